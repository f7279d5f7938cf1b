package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store/memstore"
)

func newFixture(t *testing.T) (*Processor, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	m := metrics.NewMetrics(zerolog.Nop())
	svc := ledger.NewService(st.Stocks, st.Ledger, m)
	p := NewProcessor(st.Normalized, st.Jobs, st.Stocks, st.Ledger, st.Consumption, st.ColorMaps, svc, m, zerolog.Nop(), true)
	return p, st
}

func seedColorMapping(t *testing.T, st *memstore.Store, hex, name string) {
	t.Helper()
	require.NoError(t, st.ColorMaps.Create(context.Background(), &model.AmsColorMapping{ColorHex: hex, ColorName: name}), "seed color mapping %s", hex)
}

func seedStock(t *testing.T, st *memstore.Store, id, material, color, brand string, grams float64) {
	t.Helper()
	require.NoError(t, st.Stocks.Create(context.Background(), &model.MaterialStock{
		ID:              id,
		Material:        material,
		Color:           color,
		Brand:           brand,
		RollWeightGrams: 1000,
		RemainingGrams:  grams,
	}), "seed stock %s", id)
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func trayNowPayload(trayID int, gcodeState string, progress int, totalG *float64, usedG *float64) model.NormalizedPayload {
	return model.NormalizedPayload{
		GcodeState: gcodeState,
		Progress:   progress,
		TaskID:     "task-1",
		TrayNow:    intPtr(trayID),
		AMSTrays: []model.AMSTray{
			{ID: trayID, Type: "PLA", ColorHex: "#FFFFFF", IsOfficial: true},
		},
		Filament: []model.FilamentEntry{
			{TrayID: intPtr(trayID), Type: "PLA", ColorHex: "#FFFFFF", TotalG: totalG, UsedG: usedG},
		},
	}
}

func insertEvent(t *testing.T, st *memstore.Store, printerID string, typ model.EventType, payload model.NormalizedPayload, occurredAt time.Time, eventID string) model.NormalizedEvent {
	t.Helper()
	ev := &model.NormalizedEvent{
		EventID:    eventID,
		PrinterID:  printerID,
		Type:       typ,
		OccurredAt: occurredAt,
		Payload:    payload,
	}
	_, err := st.Normalized.InsertIfNew(context.Background(), ev)
	require.NoError(t, err, "insert event")
	return *ev
}

// Scenario: reserve→end converts the reservation into a consumption
// record, leaving the stock's remaining grams unchanged across the
// progress→end transition (reservation already drew it down).
func TestReserveThenEndConvertsToConsumption(t *testing.T) {
	p, st := newFixture(t)
	ctx := context.Background()
	seedStock(t, st, "stock-white-pla", "PLA", "白色", model.OfficialBrand, 2000)
	seedColorMapping(t, st, "#FFFFFF", "白色")

	now := time.Now().UTC()
	startPayload := trayNowPayload(0, "RUNNING", 0, nil, nil)
	startPayload.GcodeFile = "model.gcode"
	ev1 := insertEvent(t, st, "printer-1", model.EventPrintStarted, startPayload, now, "ev-1")
	require.NoError(t, p.processEvent(ctx, ev1), "process start")

	progressPayload := trayNowPayload(0, "RUNNING", 50, floatPtr(120), nil)
	progressPayload.GcodeFile = "model.gcode"
	ev2 := insertEvent(t, st, "printer-1", model.EventPrintProgress, progressPayload, now.Add(time.Minute), "ev-2")
	require.NoError(t, p.processEvent(ctx, ev2), "process progress")

	stock, err := st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err, "get stock after progress")
	require.Equal(t, 1880.0, stock.RemainingGrams, "grams after reservation")

	endPayload := trayNowPayload(0, "FINISH", 100, floatPtr(120), floatPtr(120))
	endPayload.GcodeFile = "model.gcode"
	ev3 := insertEvent(t, st, "printer-1", model.EventPrintEnded, endPayload, now.Add(2*time.Minute), "ev-3")
	require.NoError(t, p.processEvent(ctx, ev3), "process end")

	stock, err = st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err, "get stock after end")
	require.Equal(t, 1880.0, stock.RemainingGrams, "grams after settlement")

	job, err := p.jobs.GetByJobKey(ctx, "printer-1", "printer-1:task-1")
	require.NoError(t, err, "load job")
	records, err := st.Consumption.ListByJob(ctx, job.ID)
	require.NoError(t, err, "list consumption")
	require.Len(t, records, 1, "consumption records")
	require.Equal(t, 120.0, records[0].Grams)
	require.Equal(t, 120.0, records[0].GramsRequested)

	rows, err := st.Ledger.ListByJob(ctx, job.ID)
	require.NoError(t, err, "list ledger rows")
	var reservation, release, consumption int
	for _, r := range rows {
		switch r.Kind {
		case model.LedgerReservation:
			reservation++
			require.Equal(t, -120.0, r.DeltaGrams, "reservation delta")
		case model.LedgerReservationRelease:
			release++
			require.Equal(t, 120.0, r.DeltaGrams, "release delta")
		case model.LedgerConsumption:
			consumption++
			require.Equal(t, -120.0, r.DeltaGrams, "consumption delta")
		}
	}
	require.Equal(t, 1, reservation)
	require.Equal(t, 1, release)
	require.Equal(t, 1, consumption)
}

// Scenario: a duplicate terminal event (same normalized data, distinct
// event_id) must not double-settle the job.
func TestDuplicateEndEventIsIdempotent(t *testing.T) {
	p, st := newFixture(t)
	ctx := context.Background()
	seedStock(t, st, "stock-white-pla", "PLA", "白色", model.OfficialBrand, 2000)
	seedColorMapping(t, st, "#FFFFFF", "白色")

	now := time.Now().UTC()
	startPayload := trayNowPayload(0, "RUNNING", 0, nil, nil)
	startPayload.GcodeFile = "model.gcode"
	ev1 := insertEvent(t, st, "printer-1", model.EventPrintStarted, startPayload, now, "ev-1")
	_ = p.processEvent(ctx, ev1)

	progressPayload := trayNowPayload(0, "RUNNING", 50, floatPtr(120), nil)
	progressPayload.GcodeFile = "model.gcode"
	ev2 := insertEvent(t, st, "printer-1", model.EventPrintProgress, progressPayload, now.Add(time.Minute), "ev-2")
	_ = p.processEvent(ctx, ev2)

	endPayload := trayNowPayload(0, "FINISH", 100, floatPtr(120), floatPtr(120))
	endPayload.GcodeFile = "model.gcode"
	ev3 := insertEvent(t, st, "printer-1", model.EventPrintEnded, endPayload, now.Add(2*time.Minute), "ev-3")
	require.NoError(t, p.processEvent(ctx, ev3), "process first end")
	ev4 := insertEvent(t, st, "printer-1", model.EventPrintEnded, endPayload, now.Add(3*time.Minute), "ev-4")
	require.NoError(t, p.processEvent(ctx, ev4), "process duplicate end")

	stock, err := st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err)
	require.Equal(t, 1880.0, stock.RemainingGrams, "grams after duplicate end")

	job, _ := p.jobs.GetByJobKey(ctx, "printer-1", "printer-1:task-1")
	records, _ := st.Consumption.ListByJob(ctx, job.ID)
	require.Len(t, records, 1, "consumption records across duplicate end events")
	rows, _ := st.Ledger.ListByJob(ctx, job.ID)
	require.Len(t, rows, 3, "ledger rows (reservation, release, consumption)")
}

// Scenario: cancelling a job after partial progress refunds the unused
// portion of the reservation.
func TestCancelRefundsUnusedReservation(t *testing.T) {
	p, st := newFixture(t)
	ctx := context.Background()
	seedStock(t, st, "stock-white-pla", "PLA", "白色", model.OfficialBrand, 2000)
	seedColorMapping(t, st, "#FFFFFF", "白色")

	now := time.Now().UTC()
	startPayload := trayNowPayload(0, "RUNNING", 0, nil, nil)
	startPayload.GcodeFile = "model.gcode"
	ev1 := insertEvent(t, st, "printer-1", model.EventPrintStarted, startPayload, now, "ev-1")
	_ = p.processEvent(ctx, ev1)

	progressPayload := trayNowPayload(0, "RUNNING", 30, floatPtr(100), nil)
	progressPayload.GcodeFile = "model.gcode"
	ev2 := insertEvent(t, st, "printer-1", model.EventPrintProgress, progressPayload, now.Add(time.Minute), "ev-2")
	_ = p.processEvent(ctx, ev2)

	cancelPayload := trayNowPayload(0, "CANCELED", 30, floatPtr(100), floatPtr(30))
	cancelPayload.GcodeFile = "model.gcode"
	ev3 := insertEvent(t, st, "printer-1", model.EventStateChanged, cancelPayload, now.Add(2*time.Minute), "ev-3")
	require.NoError(t, p.processEvent(ctx, ev3), "process cancel")

	stock, err := st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err)
	require.Equal(t, 1970.0, stock.RemainingGrams, "grams after cancel refund")

	job, _ := p.jobs.GetByJobKey(ctx, "printer-1", "printer-1:task-1")
	rows, _ := st.Ledger.ListByJob(ctx, job.ID)
	var reservation, consumption, refund float64
	var releaseRows int
	for _, r := range rows {
		switch r.Kind {
		case model.LedgerReservation:
			reservation = r.DeltaGrams
		case model.LedgerReservationRelease:
			releaseRows++
		case model.LedgerConsumption:
			consumption = r.DeltaGrams
		case model.LedgerCancelRefund:
			refund = r.DeltaGrams
		}
	}
	// Cancellation unwinds the full reservation under kind=cancel_refund
	// rather than kind=reservation_release; the separate consumption row
	// carries the real, partial usage, so the pair nets to -used.
	require.Equal(t, -100.0, reservation)
	require.Zero(t, releaseRows)
	require.Equal(t, -30.0, consumption)
	require.Equal(t, 100.0, refund)
}

// Scenario: a single filament entry with no tray_id falls back to
// the job's currently active tray.
func TestStrictSingleFilamentFallback(t *testing.T) {
	p, st := newFixture(t)
	ctx := context.Background()
	seedStock(t, st, "stock-white-pla", "PLA", "白色", model.OfficialBrand, 500)
	seedColorMapping(t, st, "#FFFFFF", "白色")

	now := time.Now().UTC()
	payload := model.NormalizedPayload{
		GcodeState: "RUNNING",
		TaskID:     "task-1",
		GcodeFile:  "model.gcode",
		TrayNow:    intPtr(0),
		AMSTrays:   []model.AMSTray{{ID: 0, Type: "PLA", ColorHex: "#FFFFFF", IsOfficial: true}},
		Filament:   []model.FilamentEntry{{TrayID: nil, Type: "PLA", TotalG: floatPtr(60)}},
	}
	ev1 := insertEvent(t, st, "printer-1", model.EventPrintStarted, payload, now, "ev-1")
	_ = p.processEvent(ctx, ev1)
	ev2 := insertEvent(t, st, "printer-1", model.EventPrintProgress, payload, now.Add(time.Minute), "ev-2")
	require.NoError(t, p.processEvent(ctx, ev2), "process progress")

	stock, err := st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err)
	require.Equal(t, 440.0, stock.RemainingGrams, "grams after reservation")

	endPayload := payload
	endPayload.GcodeState = "FINISH"
	endPayload.Filament = []model.FilamentEntry{{TrayID: nil, Type: "PLA", TotalG: floatPtr(60), UsedG: floatPtr(60)}}
	ev3 := insertEvent(t, st, "printer-1", model.EventPrintEnded, endPayload, now.Add(2*time.Minute), "ev-3")
	require.NoError(t, p.processEvent(ctx, ev3), "process end")

	stock, err = st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err, "get stock after end")
	require.Equal(t, 440.0, stock.RemainingGrams, "grams after settlement")

	job, _ := p.jobs.GetByJobKey(ctx, "printer-1", "printer-1:task-1")
	records, _ := st.Consumption.ListByJob(ctx, job.ID)
	require.Len(t, records, 1)
	require.Equal(t, 60.0, records[0].Grams)
}

// Scenario: with calibration enabled and no filament_total/used_g
// reporting at all, settlement falls back to the tray's start/end
// remain delta, converting the tray's fractional remain reading to
// grams via the stock's roll_weight_grams.
func TestRemainDeltaFallbackWhenCalibrationEnabled(t *testing.T) {
	p, st := newFixture(t)
	ctx := context.Background()
	seedStock(t, st, "stock-white-pla", "PLA", "白色", model.OfficialBrand, 2000)
	seedColorMapping(t, st, "#FFFFFF", "白色")

	now := time.Now().UTC()
	startPayload := model.NormalizedPayload{
		GcodeState: "RUNNING",
		TaskID:     "task-1",
		GcodeFile:  "model.gcode",
		TrayNow:    intPtr(0),
		AMSTrays: []model.AMSTray{
			{ID: 0, Type: "PLA", ColorHex: "#FFFFFF", IsOfficial: true, Remain: 0.8, RemainUnit: model.RemainUnitFraction},
		},
	}
	ev1 := insertEvent(t, st, "printer-1", model.EventPrintStarted, startPayload, now, "ev-1")
	require.NoError(t, p.processEvent(ctx, ev1), "process start")

	endPayload := startPayload
	endPayload.GcodeState = "FINISH"
	endPayload.AMSTrays = []model.AMSTray{
		{ID: 0, Type: "PLA", ColorHex: "#FFFFFF", IsOfficial: true, Remain: 0.3, RemainUnit: model.RemainUnitFraction},
	}
	ev2 := insertEvent(t, st, "printer-1", model.EventPrintEnded, endPayload, now.Add(time.Minute), "ev-2")
	require.NoError(t, p.processEvent(ctx, ev2), "process end")

	stock, err := st.Stocks.Get(ctx, "stock-white-pla")
	require.NoError(t, err, "get stock after settlement")
	require.Equal(t, 1500.0, stock.RemainingGrams, "grams after remain-delta settlement")

	job, err := p.jobs.GetByJobKey(ctx, "printer-1", "printer-1:task-1")
	require.NoError(t, err, "load job")
	records, err := st.Consumption.ListByJob(ctx, job.ID)
	require.NoError(t, err, "list consumption")
	require.Len(t, records, 1, "consumption records")
	require.Equal(t, 500.0, records[0].Grams)
	require.Equal(t, model.SourceRemainDelta, records[0].Source)
}

// Scenario: when two stocks share (material, color) and differ only in
// brand, the tray resolves to neither — it lands in pending_trays, and
// resolving it twice produces exactly one consumption record.
func TestPendingResolutionIsIdempotent(t *testing.T) {
	p, st := newFixture(t)
	ctx := context.Background()
	seedStock(t, st, "stock-a", "PLA", "红色", "generic-brand-a", 1000)
	seedStock(t, st, "stock-b", "PLA", "红色", "generic-brand-b", 1000)

	now := time.Now().UTC()
	require.NoError(t, st.ColorMaps.Create(ctx, &model.AmsColorMapping{ColorHex: "#FF0000", ColorName: "红色"}), "seed color mapping")

	startPayload := model.NormalizedPayload{
		GcodeState: "RUNNING",
		TaskID:     "task-1",
		GcodeFile:  "model.gcode",
		TrayNow:    intPtr(0),
		AMSTrays:   []model.AMSTray{{ID: 0, Type: "PLA", ColorHex: "#FF0000", IsOfficial: false}},
	}
	evStart := insertEvent(t, st, "printer-1", model.EventPrintStarted, startPayload, now, "ev-start")
	require.NoError(t, p.processEvent(ctx, evStart), "process start")

	payload := model.NormalizedPayload{
		GcodeState: "FINISH",
		TaskID:     "task-1",
		GcodeFile:  "model.gcode",
		TrayNow:    intPtr(0),
		AMSTrays:   []model.AMSTray{{ID: 0, Type: "PLA", ColorHex: "#FF0000", IsOfficial: false}},
		Filament:   []model.FilamentEntry{{TrayID: intPtr(0), Type: "PLA", TotalG: floatPtr(80), UsedG: floatPtr(80)}},
	}

	ev := insertEvent(t, st, "printer-1", model.EventPrintEnded, payload, now.Add(time.Minute), "ev-1")
	require.NoError(t, p.processEvent(ctx, ev), "process end")

	job, err := p.jobs.GetByJobKey(ctx, "printer-1", "printer-1:task-1")
	require.NoError(t, err, "load job")
	require.Len(t, job.Snapshot.PendingTrays, 1, "pending trays")
	records, _ := st.Consumption.ListByJob(ctx, job.ID)
	require.Empty(t, records, "consumption before resolution")

	mappings := []ResolveMapping{{TrayID: 0, StockID: "stock-a"}}
	require.NoError(t, p.ResolvePending(ctx, job.ID, mappings, now.Add(time.Minute)), "resolve pending")
	require.NoError(t, p.ResolvePending(ctx, job.ID, mappings, now.Add(2*time.Minute)), "resolve pending again")

	records, err = st.Consumption.ListByJob(ctx, job.ID)
	require.NoError(t, err, "list consumption")
	require.Len(t, records, 1, "consumption records after repeated resolution")

	stockA, _ := st.Stocks.Get(ctx, "stock-a")
	stockB, _ := st.Stocks.Get(ctx, "stock-b")
	require.Equal(t, 920.0, stockA.RemainingGrams, "stock-a reduced")
	require.Equal(t, 1000.0, stockB.RemainingGrams, "stock-b untouched")
}
