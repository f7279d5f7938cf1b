// Package memstore provides in-memory implementations of every
// interface in internal/store, so the settlement engine and its
// collaborators can be unit tested without a real Postgres instance.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// Store bundles every in-memory repository fake behind one struct,
// convenient for wiring a full test fixture in one line.
type Store struct {
	Printers    *PrinterRepository
	RawEvents   *RawEventRepository
	Normalized  *NormalizedEventRepository
	Jobs        *JobRepository
	Stocks      *StockRepository
	Ledger      *LedgerRepository
	Consumption *ConsumptionRepository
	ColorMaps   *ColorMappingRepository
}

// New returns a Store with every repository initialized empty.
func New() *Store {
	return &Store{
		Printers:    NewPrinterRepository(),
		RawEvents:   NewRawEventRepository(),
		Normalized:  NewNormalizedEventRepository(),
		Jobs:        NewJobRepository(),
		Stocks:      NewStockRepository(),
		Ledger:      NewLedgerRepository(),
		Consumption: NewConsumptionRepository(),
		ColorMaps:   NewColorMappingRepository(),
	}
}

// ─── Printers ───────────────────────────────────────────────

type PrinterRepository struct {
	mu   sync.Mutex
	rows map[string]model.Printer
}

func NewPrinterRepository() *PrinterRepository {
	return &PrinterRepository{rows: map[string]model.Printer{}}
}

func (r *PrinterRepository) Create(_ context.Context, p *model.Printer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[p.ID] = *p
	return nil
}

func (r *PrinterRepository) Get(_ context.Context, id string) (*model.Printer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *PrinterRepository) GetBySerial(_ context.Context, serial string) (*model.Printer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.Serial == serial {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *PrinterRepository) List(_ context.Context) ([]model.Printer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Printer, 0, len(r.rows))
	for _, p := range r.rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *PrinterRepository) UpdateStatus(_ context.Context, id string, status model.PrinterStatus, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	p.LastSeen = lastSeen
	r.rows[id] = p
	return nil
}

// ─── Raw events ─────────────────────────────────────────────

type RawEventRepository struct {
	mu       sync.Mutex
	rows     []model.RawEvent
	byDigest map[string]int64 // printerID|contentHash -> id
	nextID   int64
}

func NewRawEventRepository() *RawEventRepository {
	return &RawEventRepository{byDigest: map[string]int64{}}
}

func (r *RawEventRepository) InsertIfNew(_ context.Context, ev *model.RawEvent) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ev.PrinterID + "|" + ev.ContentHash
	if id, ok := r.byDigest[key]; ok {
		return id, false, nil
	}
	r.nextID++
	ev.ID = r.nextID
	r.byDigest[key] = ev.ID
	r.rows = append(r.rows, *ev)
	return ev.ID, true, nil
}

// ─── Normalized events ──────────────────────────────────────

type NormalizedEventRepository struct {
	mu      sync.Mutex
	rows    []model.NormalizedEvent
	byEvent map[string]bool
	nextID  int64
}

func NewNormalizedEventRepository() *NormalizedEventRepository {
	return &NormalizedEventRepository{byEvent: map[string]bool{}}
}

func (r *NormalizedEventRepository) InsertIfNew(_ context.Context, ev *model.NormalizedEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byEvent[ev.EventID] {
		return false, nil
	}
	r.nextID++
	ev.ID = r.nextID
	r.byEvent[ev.EventID] = true
	r.rows = append(r.rows, *ev)
	return true, nil
}

func (r *NormalizedEventRepository) ListBatch(_ context.Context, afterID int64, limit int) ([]model.NormalizedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.NormalizedEvent
	for _, ev := range r.rows {
		if ev.ID > afterID {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ─── Print jobs ─────────────────────────────────────────────

type JobRepository struct {
	mu   sync.Mutex
	rows map[string]model.PrintJob
}

func NewJobRepository() *JobRepository {
	return &JobRepository{rows: map[string]model.PrintJob{}}
}

func (r *JobRepository) Create(_ context.Context, j *model.PrintJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	r.rows[j.ID] = *j
	return nil
}

func (r *JobRepository) Get(_ context.Context, id string) (*model.PrintJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (r *JobRepository) GetByJobKey(_ context.Context, printerID, jobKey string) (*model.PrintJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.rows {
		if j.PrinterID == printerID && j.JobKey != nil && *j.JobKey == jobKey {
			cp := j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *JobRepository) GetOpenStub(_ context.Context, printerID string) (*model.PrintJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.PrintJob
	for _, j := range r.rows {
		j := j
		if j.PrinterID == printerID && j.JobKey == nil && j.Status == model.JobStatusRunning {
			if best == nil || j.CreatedAt.After(best.CreatedAt) {
				best = &j
			}
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (r *JobRepository) Update(_ context.Context, j *model.PrintJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[j.ID]; !ok {
		return store.ErrNotFound
	}
	r.rows[j.ID] = *j
	return nil
}

func (r *JobRepository) ListRunningByPrinter(_ context.Context, printerID string) ([]model.PrintJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PrintJob
	for _, j := range r.rows {
		if j.PrinterID == printerID && j.Status == model.JobStatusRunning {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// ─── Material stocks ────────────────────────────────────────

type StockRepository struct {
	mu   sync.Mutex
	rows map[string]model.MaterialStock
}

func NewStockRepository() *StockRepository {
	return &StockRepository{rows: map[string]model.MaterialStock{}}
}

func (r *StockRepository) Create(_ context.Context, s *model.MaterialStock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	r.rows[s.ID] = *s
	return nil
}

func (r *StockRepository) Get(_ context.Context, id string) (*model.MaterialStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (r *StockRepository) GetByKey(_ context.Context, key model.StockKey) (*model.MaterialStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if !s.IsArchived && s.Key() == key {
			cp := s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *StockRepository) List(_ context.Context) ([]model.MaterialStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.MaterialStock, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *StockRepository) AdjustRemaining(_ context.Context, id string, deltaGrams float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	before := s.RemainingGrams
	after := before + deltaGrams
	if after < 0 {
		after = 0
	}
	s.RemainingGrams = after
	s.UpdatedAt = time.Now().UTC()
	r.rows[id] = s
	return after - before, nil
}

// ─── Material ledger ────────────────────────────────────────

type LedgerRepository struct {
	mu      sync.Mutex
	rows    map[int64]model.MaterialLedger
	nextID  int64
	byStock map[string][]int64
	byJob   map[string][]int64
}

func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		rows:    map[int64]model.MaterialLedger{},
		byStock: map[string][]int64{},
		byJob:   map[string][]int64{},
	}
}

func (r *LedgerRepository) Insert(_ context.Context, l *model.MaterialLedger) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	l.ID = r.nextID
	r.rows[l.ID] = *l
	if l.StockID != nil {
		r.byStock[*l.StockID] = append(r.byStock[*l.StockID], l.ID)
	}
	if l.JobID != nil {
		r.byJob[*l.JobID] = append(r.byJob[*l.JobID], l.ID)
	}
	return l.ID, nil
}

func (r *LedgerRepository) Get(_ context.Context, id int64) (*model.MaterialLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (r *LedgerRepository) FindReversalOf(_ context.Context, originalID int64) (*model.MaterialLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.rows {
		if l.ReversalOfID != nil && *l.ReversalOfID == originalID {
			cp := l
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *LedgerRepository) Void(_ context.Context, id int64, reason string, voidedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rows[id]
	if !ok || l.VoidedAt != nil {
		return store.ErrNotFound
	}
	l.VoidedAt = &voidedAt
	l.VoidReason = reason
	r.rows[id] = l
	return nil
}

func (r *LedgerRepository) ListByStock(_ context.Context, stockID string) ([]model.MaterialLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(r.byStock[stockID]), nil
}

func (r *LedgerRepository) ListByJob(_ context.Context, jobID string) ([]model.MaterialLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(r.byJob[jobID]), nil
}

func (r *LedgerRepository) SumTrayDelta(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, l := range r.rows {
		if l.VoidedAt == nil {
			total += l.TrayDelta
		}
	}
	return total, nil
}

func (r *LedgerRepository) collect(ids []int64) []model.MaterialLedger {
	out := make([]model.MaterialLedger, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.rows[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ─── Consumption records ────────────────────────────────────

type ConsumptionRepository struct {
	mu    sync.Mutex
	rows  map[string]model.ConsumptionRecord
	byJob map[string][]string
}

func NewConsumptionRepository() *ConsumptionRepository {
	return &ConsumptionRepository{rows: map[string]model.ConsumptionRecord{}, byJob: map[string][]string{}}
}

func (r *ConsumptionRepository) Insert(_ context.Context, c *model.ConsumptionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.rows[c.ID] = *c
	if c.JobID != nil {
		r.byJob[*c.JobID] = append(r.byJob[*c.JobID], c.ID)
	}
	return nil
}

func (r *ConsumptionRepository) ListByJob(_ context.Context, jobID string) ([]model.ConsumptionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byJob[jobID]
	out := make([]model.ConsumptionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.rows[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ConsumptionRepository) ListByStock(_ context.Context, stockID string) ([]model.ConsumptionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ConsumptionRecord
	for _, c := range r.rows {
		if c.StockID != nil && *c.StockID == stockID && c.VoidedAt == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ConsumptionRepository) Void(_ context.Context, id, reason string, voidedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.VoidedAt != nil {
		return store.ErrNotFound
	}
	c.VoidedAt = &voidedAt
	c.VoidReason = reason
	r.rows[id] = c
	return nil
}

// ─── AMS color mappings ─────────────────────────────────────

type ColorMappingRepository struct {
	mu   sync.Mutex
	rows map[string]model.AmsColorMapping
}

func NewColorMappingRepository() *ColorMappingRepository {
	return &ColorMappingRepository{rows: map[string]model.AmsColorMapping{}}
}

func (r *ColorMappingRepository) Get(_ context.Context, colorHex string) (*model.AmsColorMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[colorHex]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (r *ColorMappingRepository) Create(_ context.Context, m *model.AmsColorMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	r.rows[m.ColorHex] = *m
	return nil
}

func (r *ColorMappingRepository) List(_ context.Context) ([]model.AmsColorMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AmsColorMapping, 0, len(r.rows))
	for _, m := range r.rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ColorName < out[j].ColorName })
	return out, nil
}
