// Package store defines the repository interfaces every aggregate in
// the engine is read and written through, per the Design Note on
// keeping persistence behind plain interfaces rather than binding
// domain structs to an ORM. internal/store/memstore provides
// in-memory fakes of every interface here for settlement unit tests;
// the pg_*.go files in this package are the pgx-backed implementations
// used in production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("store: not found")

type PrinterRepository interface {
	Create(ctx context.Context, p *model.Printer) error
	Get(ctx context.Context, id string) (*model.Printer, error)
	GetBySerial(ctx context.Context, serial string) (*model.Printer, error)
	List(ctx context.Context) ([]model.Printer, error)
	UpdateStatus(ctx context.Context, id string, status model.PrinterStatus, lastSeen time.Time) error
}

type RawEventRepository interface {
	// InsertIfNew inserts ev and returns its assigned ID and true, or
	// returns the existing row's ID and false if (printer_id,
	// content_hash) already exists.
	InsertIfNew(ctx context.Context, ev *model.RawEvent) (id int64, inserted bool, err error)
}

type NormalizedEventRepository interface {
	// InsertIfNew inserts ev and returns true, or returns false if
	// ev.EventID already exists (the at-most-once idempotency gate).
	InsertIfNew(ctx context.Context, ev *model.NormalizedEvent) (inserted bool, err error)
	// ListBatch returns up to limit unconsumed events with ID > afterID,
	// ordered by ID, for the Event Processor's tick loop.
	ListBatch(ctx context.Context, afterID int64, limit int) ([]model.NormalizedEvent, error)
}

type JobRepository interface {
	Create(ctx context.Context, j *model.PrintJob) error
	Get(ctx context.Context, id string) (*model.PrintJob, error)
	GetByJobKey(ctx context.Context, printerID, jobKey string) (*model.PrintJob, error)
	// GetOpenStub returns the most recent running job for printerID
	// that has no job_key bound yet (spec's stub-job suppression).
	GetOpenStub(ctx context.Context, printerID string) (*model.PrintJob, error)
	Update(ctx context.Context, j *model.PrintJob) error
	ListRunningByPrinter(ctx context.Context, printerID string) ([]model.PrintJob, error)
}

type StockRepository interface {
	Create(ctx context.Context, s *model.MaterialStock) error
	Get(ctx context.Context, id string) (*model.MaterialStock, error)
	GetByKey(ctx context.Context, key model.StockKey) (*model.MaterialStock, error)
	List(ctx context.Context) ([]model.MaterialStock, error)
	// AdjustRemaining atomically adds deltaGrams to the stock's
	// remaining_grams, clamped at zero, and returns the post-clamp
	// effective delta actually applied.
	AdjustRemaining(ctx context.Context, id string, deltaGrams float64) (effectiveDelta float64, err error)
}

type LedgerRepository interface {
	Insert(ctx context.Context, l *model.MaterialLedger) (int64, error)
	Get(ctx context.Context, id int64) (*model.MaterialLedger, error)
	Void(ctx context.Context, id int64, reason string, voidedAt time.Time) error
	// FindReversalOf returns the ledger row (if any) whose
	// reversal_of_id == originalID, for reversal idempotency.
	FindReversalOf(ctx context.Context, originalID int64) (*model.MaterialLedger, error)
	ListByStock(ctx context.Context, stockID string) ([]model.MaterialLedger, error)
	ListByJob(ctx context.Context, jobID string) ([]model.MaterialLedger, error)
	// SumTrayDelta returns the sum of tray_delta across every
	// non-voided row, the running total the tray-global-negative guard
	// checks before accepting a new tray-changing write.
	SumTrayDelta(ctx context.Context) (int, error)
}

type ConsumptionRepository interface {
	Insert(ctx context.Context, c *model.ConsumptionRecord) error
	ListByJob(ctx context.Context, jobID string) ([]model.ConsumptionRecord, error)
	// ListByStock returns every non-voided consumption record against
	// stockID, ordered by created_at, for on-demand valuation replay.
	ListByStock(ctx context.Context, stockID string) ([]model.ConsumptionRecord, error)
	Void(ctx context.Context, id, reason string, voidedAt time.Time) error
}

type ColorMappingRepository interface {
	Get(ctx context.Context, colorHex string) (*model.AmsColorMapping, error)
	Create(ctx context.Context, m *model.AmsColorMapping) error
	List(ctx context.Context) ([]model.AmsColorMapping, error)
}
