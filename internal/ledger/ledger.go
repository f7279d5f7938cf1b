// Package ledger implements the stock/ledger write path: the single
// function every balance-changing operation in the engine funnels
// through, plus void/reverse. Grounded on the teacher's
// metering.ReservationStore guard-then-mutate shape, generalized from
// an in-memory reservation map to a row-locked Postgres update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// ErrAlreadyReversed is returned by Reverse when the target row has
// already been voided.
var ErrAlreadyReversed = errors.New("ledger: row already voided")

// ErrInsufficientBalance is returned when voiding a positive
// adjustment would drive remaining_grams negative.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance to void")

// pricingCentTolerance is the maximum allowed disagreement between
// price_per_roll*rolls_count and price_total before ApplyStockDelta
// rejects the write as a pricing conflict (spec §7).
const pricingCentTolerance = 0.01

// PricingConflictError is the structured error spec §7 requires when a
// purchase row's two ways of expressing total price disagree by more
// than one cent.
type PricingConflictError struct {
	Observed decimal.Decimal // price_total as given
	Expected decimal.Decimal // price_per_roll * rolls_count
}

func (e PricingConflictError) Error() string {
	return fmt.Sprintf("ledger: pricing conflict: price_total=%s but price_per_roll*rolls_count=%s", e.Observed.StringFixed(2), e.Expected.StringFixed(2))
}

// validatePricing enforces spec §7's pricing conflict rule: when both
// price_per_roll*rolls_count and price_total are present, they must
// agree within one cent.
func validatePricing(p model.Pricing) error {
	if p.PricePerRoll == nil || p.RollsCount == nil || p.PriceTotal == nil {
		return nil
	}
	expected := p.PricePerRoll.Mul(decimal.NewFromInt(int64(*p.RollsCount)))
	diff := expected.Sub(*p.PriceTotal).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(pricingCentTolerance)) {
		return PricingConflictError{Observed: *p.PriceTotal, Expected: expected}
	}
	return nil
}

// TrayGlobalNegativeError is the structured error spec §7 requires
// when a tray-changing write would drive the ledger-wide sum of
// tray_delta below zero.
type TrayGlobalNegativeError struct {
	Total     int // current sum(tray_delta) across non-voided rows
	Attempted int // the delta this write tried to add
}

func (e TrayGlobalNegativeError) Error() string {
	return fmt.Sprintf("ledger: tray-global negative: total=%d attempted=%d", e.Total, e.Attempted)
}

// Service wraps a StockRepository and LedgerRepository to provide
// apply_stock_delta and its void/reverse companions.
type Service struct {
	stocks  store.StockRepository
	rows    store.LedgerRepository
	metrics *metrics.Metrics
}

func NewService(stocks store.StockRepository, rows store.LedgerRepository, m *metrics.Metrics) *Service {
	return &Service{stocks: stocks, rows: rows, metrics: m}
}

// ApplyInput is the argument bundle for ApplyStockDelta, mirroring
// apply_stock_delta(stock_id, delta, reason, job_id?, kind, reversal_of_id?).
type ApplyInput struct {
	StockID      string
	DeltaGrams   float64
	Reason       string
	JobID        *string
	Kind         model.LedgerKind
	ReversalOfID *int64
	Pricing      model.Pricing
	HasTray      bool
	TrayDelta    int
	Now          time.Time
}

// ApplyStockDelta loads the stock, clamps the requested delta at zero
// remaining grams, persists the new balance, and appends one
// MaterialLedger row recording the effective (post-clamp) delta. It is
// not itself idempotent — callers are responsible for idempotency
// (see internal/settlement).
func (s *Service) ApplyStockDelta(ctx context.Context, in ApplyInput) (*model.MaterialLedger, error) {
	if err := validatePricing(in.Pricing); err != nil {
		return nil, err
	}
	if in.TrayDelta != 0 {
		if err := s.checkTrayDelta(ctx, in.TrayDelta); err != nil {
			return nil, err
		}
	}

	effective, err := s.stocks.AdjustRemaining(ctx, in.StockID, in.DeltaGrams)
	if err != nil {
		return nil, fmt.Errorf("ledger: adjust stock %s: %w", in.StockID, err)
	}

	row := &model.MaterialLedger{
		StockID:      &in.StockID,
		JobID:        in.JobID,
		DeltaGrams:   effective,
		Kind:         in.Kind,
		Pricing:      in.Pricing,
		HasTray:      in.HasTray,
		TrayDelta:    in.TrayDelta,
		Reason:       in.Reason,
		CreatedAt:    in.Now,
		ReversalOfID: in.ReversalOfID,
	}
	id, err := s.rows.Insert(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert row: %w", err)
	}
	row.ID = id

	if s.metrics != nil {
		s.metrics.TrackLedgerDelta(string(in.Kind), effective)
		if effective != in.DeltaGrams {
			s.metrics.TrackStockClamp(in.StockID)
		}
	}
	return row, nil
}

// Void marks targetID's row voided and applies a compensating delta of
// the opposite sign under reverseKind (model.LedgerReversal for
// operator-initiated voids, model.LedgerCancelRefund for the job
// cancel path). It refuses to void a positive adjustment that has
// already been drawn down by later consumption.
func (s *Service) Void(ctx context.Context, targetID int64, reason string, reverseKind model.LedgerKind, now time.Time) (*model.MaterialLedger, error) {
	if existing, err := s.rows.FindReversalOf(ctx, targetID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	target, err := s.rows.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load target %d: %w", targetID, err)
	}
	if target.VoidedAt != nil {
		return nil, ErrAlreadyReversed
	}
	if target.StockID == nil {
		return nil, fmt.Errorf("ledger: row %d has no stock_id, cannot void", targetID)
	}

	if target.DeltaGrams > 0 {
		stock, err := s.stocks.Get(ctx, *target.StockID)
		if err != nil {
			return nil, err
		}
		if stock.RemainingGrams < target.DeltaGrams {
			return nil, ErrInsufficientBalance
		}
	}

	if err := s.rows.Void(ctx, targetID, reason, now); err != nil {
		return nil, fmt.Errorf("ledger: void target %d: %w", targetID, err)
	}

	reversal, err := s.ApplyStockDelta(ctx, ApplyInput{
		StockID:      *target.StockID,
		DeltaGrams:   -target.DeltaGrams,
		Reason:       reason,
		JobID:        target.JobID,
		Kind:         reverseKind,
		ReversalOfID: &targetID,
		Now:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: apply reversal delta: %w", err)
	}
	return reversal, nil
}

// Reverse is Void with kind=reversal, the operator-facing entry point
// for scenario 6 (reverse adjustment).
func (s *Service) Reverse(ctx context.Context, targetID int64, reason string, now time.Time) (*model.MaterialLedger, error) {
	return s.Void(ctx, targetID, reason, model.LedgerReversal, now)
}

// checkTrayDelta rejects a tray-changing write that would drive the
// ledger-wide sum(tray_delta) below zero (spec §7, "Tray-global
// negative").
func (s *Service) checkTrayDelta(ctx context.Context, delta int) error {
	total, err := s.rows.SumTrayDelta(ctx)
	if err != nil {
		return fmt.Errorf("ledger: sum tray delta: %w", err)
	}
	if total+delta < 0 {
		return TrayGlobalNegativeError{Total: total, Attempted: delta}
	}
	return nil
}

// WriteTrayDiscard writes a tray-only ledger row (stock_id null,
// delta_grams 0) recording a change to a tray's physical slot count —
// e.g. an AMS bay removed or retired — guarded by checkTrayDelta. It
// bypasses ApplyStockDelta entirely per spec §4.2: tray-only rows
// carry no grams delta, so there is no stock to adjust.
func (s *Service) WriteTrayDiscard(ctx context.Context, jobID *string, trayDelta int, reason string, now time.Time) (*model.MaterialLedger, error) {
	if err := s.checkTrayDelta(ctx, trayDelta); err != nil {
		return nil, err
	}

	row := &model.MaterialLedger{
		JobID:      jobID,
		DeltaGrams: 0,
		Kind:       model.LedgerTrayDiscard,
		HasTray:    true,
		TrayDelta:  trayDelta,
		Reason:     reason,
		CreatedAt:  now,
	}
	id, err := s.rows.Insert(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert tray discard row: %w", err)
	}
	row.ID = id

	if s.metrics != nil {
		s.metrics.TrackLedgerDelta(string(model.LedgerTrayDiscard), 0)
	}
	return row, nil
}
