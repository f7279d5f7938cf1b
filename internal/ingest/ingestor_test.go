package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store/memstore"
)

func newFixture(t *testing.T) (*Ingestor, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	err := st.Printers.Create(context.Background(), &model.Printer{
		ID:     "printer-1",
		Serial: "01S00A1234567",
		Status: model.PrinterStatusUnknown,
	})
	if err != nil {
		t.Fatalf("seed printer: %v", err)
	}
	in := NewIngestor(st.Printers, st.RawEvents, st.Normalized, nil, nil, metrics.NewMetrics(zerolog.Nop()), zerolog.Nop())
	return in, st
}

func framePayload(t *testing.T, gcodeState string, progress int) []byte {
	t.Helper()
	body := map[string]any{
		"print": map[string]any{
			"gcode_state": gcodeState,
			"mc_percent":  progress,
			"task_id":     "task-42",
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func TestProcessInsertsRawAndNormalizedEvent(t *testing.T) {
	in, st := newFixture(t)
	ctx := context.Background()

	in.Process(ctx, Frame{PrinterID: "printer-1", Topic: "device/x/report", Payload: framePayload(t, "RUNNING", 10), ReceivedAt: time.Now().UTC()})

	batch, err := st.Normalized.ListBatch(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list batch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 normalized event, got %d", len(batch))
	}
	if batch[0].Type != model.EventPrintStarted {
		t.Fatalf("expected PrintStarted, got %s", batch[0].Type)
	}
}

func TestProcessDuplicateContentHashSkipsNormalizedInsert(t *testing.T) {
	in, st := newFixture(t)
	ctx := context.Background()
	payload := framePayload(t, "RUNNING", 10)

	in.Process(ctx, Frame{PrinterID: "printer-1", Payload: payload, ReceivedAt: time.Now().UTC()})
	in.Process(ctx, Frame{PrinterID: "printer-1", Payload: payload, ReceivedAt: time.Now().UTC()})

	batch, _ := st.Normalized.ListBatch(ctx, 0, 10)
	if len(batch) != 1 {
		t.Fatalf("expected exactly 1 normalized event across duplicate frames, got %d", len(batch))
	}
}

func TestProcessProgressDuplicateSuppressesSecondEvent(t *testing.T) {
	in, st := newFixture(t)
	ctx := context.Background()

	// The second frame carries the same print block plus an extra
	// top-level field, so its content hash differs and only the
	// progress-signature dedupe can suppress it.
	second, err := json.Marshal(map[string]any{
		"print": map[string]any{
			"gcode_state": "RUNNING",
			"mc_percent":  10,
			"task_id":     "task-42",
		},
		"sequence_id": "2",
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	in.Process(ctx, Frame{PrinterID: "printer-1", Payload: framePayload(t, "RUNNING", 10), ReceivedAt: time.Now().UTC()})
	in.Process(ctx, Frame{PrinterID: "printer-1", Payload: second, ReceivedAt: time.Now().UTC().Add(time.Second)})

	batch, _ := st.Normalized.ListBatch(ctx, 0, 10)
	if len(batch) != 1 {
		t.Fatalf("expected progress duplicate to be suppressed, got %d events", len(batch))
	}
}

func TestProcessProgressChangeInsertsNewEvent(t *testing.T) {
	in, st := newFixture(t)
	ctx := context.Background()

	in.Process(ctx, Frame{PrinterID: "printer-1", Payload: framePayload(t, "RUNNING", 10), ReceivedAt: time.Now().UTC()})
	in.Process(ctx, Frame{PrinterID: "printer-1", Payload: framePayload(t, "RUNNING", 55), ReceivedAt: time.Now().UTC().Add(time.Second)})

	batch, _ := st.Normalized.ListBatch(ctx, 0, 10)
	if len(batch) != 2 {
		t.Fatalf("expected 2 events for changed progress, got %d", len(batch))
	}
}

func TestDerivedEventIDIsDeterministic(t *testing.T) {
	a := derivedEventID("printer-1", "hash-a")
	b := derivedEventID("printer-1", "hash-a")
	c := derivedEventID("printer-1", "hash-b")
	if a != b {
		t.Fatalf("expected deterministic event_id for same inputs")
	}
	if a == c {
		t.Fatalf("expected different event_id for different payload hash")
	}
}
