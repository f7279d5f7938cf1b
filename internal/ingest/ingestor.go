package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/estimator"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/normalize"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// ScheduleEstimateFunc starts an opportunistic background filament
// estimate for jobKey. The registry binds this to estimator.Client's
// MaybeSchedule with the printer's current IP and decrypted access
// code, which the Ingestor itself never needs to know about.
type ScheduleEstimateFunc func(jobKey, printerID, subtaskName, gcodeFile string)

// Ingestor runs the per-frame transaction: append the raw frame,
// refresh printer status, and — when the frame parses — derive and
// store a deduplicated NormalizedEvent.
type Ingestor struct {
	printers   store.PrinterRepository
	rawEvents  store.RawEventRepository
	normEvents store.NormalizedEventRepository
	estimator  *estimator.Client
	schedule   ScheduleEstimateFunc
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]model.NormalizedPayload // printer_id -> last normalized frame, for progress dedup
}

func NewIngestor(
	printers store.PrinterRepository,
	rawEvents store.RawEventRepository,
	normEvents store.NormalizedEventRepository,
	est *estimator.Client,
	schedule ScheduleEstimateFunc,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Ingestor {
	return &Ingestor{
		printers:   printers,
		rawEvents:  rawEvents,
		normEvents: normEvents,
		estimator:  est,
		schedule:   schedule,
		metrics:    m,
		logger:     logger.With().Str("component", "ingestor").Logger(),
		lastSeen:   make(map[string]model.NormalizedPayload),
	}
}

// Process runs the 7-step per-frame transaction against f. The raw
// event is always appended first, regardless of whether the payload
// parses — the raw log is the source of truth for replay.
func (in *Ingestor) Process(ctx context.Context, f Frame) {
	payload, parseErr := decodeFrame(f.Payload)
	contentHash := hashPayload(f.Payload)

	rawID, inserted, err := in.rawEvents.InsertIfNew(ctx, &model.RawEvent{
		PrinterID:   f.PrinterID,
		Topic:       f.Topic,
		Payload:     payload,
		ContentHash: contentHash,
		ReceivedAt:  f.ReceivedAt,
	})
	if err != nil {
		in.metrics.TrackRawEvent(f.PrinterID, false)
		in.logger.Error().Err(err).Str("printer_id", f.PrinterID).Msg("insert raw event")
		return
	}
	in.metrics.TrackRawEvent(f.PrinterID, parseErr == nil)

	if err := in.printers.UpdateStatus(ctx, f.PrinterID, model.PrinterStatusOnline, f.ReceivedAt); err != nil {
		in.logger.Warn().Err(err).Str("printer_id", f.PrinterID).Msg("update printer status")
	}
	in.metrics.TrackPrinterHealth(f.PrinterID, true)

	if !inserted {
		return // duplicate content hash; raw log already has this frame
	}
	if parseErr != nil {
		in.logger.Debug().Err(parseErr).Str("printer_id", f.PrinterID).Msg("frame not parseable, raw event kept")
		return
	}

	printBlock, _ := payload["print"].(map[string]any)
	if printBlock == nil {
		return
	}
	normalized := normalize.Payload(printBlock)

	in.mu.Lock()
	prev, hadPrev := in.lastSeen[f.PrinterID]
	in.lastSeen[f.PrinterID] = normalized
	in.mu.Unlock()

	prevState := ""
	if hadPrev {
		prevState = prev.GcodeState
	}
	eventType := normalize.EventType(prevState, normalized.GcodeState)

	if hadPrev && normalize.IsProgressDuplicate(eventType, prev, normalized) {
		in.metrics.TrackNormalizedEvent(string(eventType), true)
		return
	}

	eventID := derivedEventID(f.PrinterID, contentHash)
	norm := &model.NormalizedEvent{
		EventID:    eventID,
		PrinterID:  f.PrinterID,
		Type:       eventType,
		OccurredAt: f.ReceivedAt,
		Payload:    normalized,
		RawEventID: rawID,
	}

	ok, err := in.normEvents.InsertIfNew(ctx, norm)
	if err != nil {
		in.logger.Error().Err(err).Str("printer_id", f.PrinterID).Msg("insert normalized event")
		return
	}
	in.metrics.TrackNormalizedEvent(string(eventType), !ok)
	if !ok {
		return
	}

	if in.estimator != nil && in.schedule != nil && (normalized.GcodeState == "PREPARE" || normalized.GcodeState == "RUNNING") {
		jobKey := jobKeyHint(f.PrinterID, normalized)
		if _, cached := in.estimator.GetCached(ctx, jobKey); !cached {
			in.schedule(jobKey, f.PrinterID, normalized.SubtaskName, normalized.GcodeFile)
		}
	}
}

func jobKeyHint(printerID string, p model.NormalizedPayload) string {
	if p.TaskID != "" {
		return printerID + ":" + p.TaskID
	}
	if p.SubtaskID != "" {
		return printerID + ":" + p.SubtaskID
	}
	return printerID + ":" + p.GcodeStartTime + ":" + p.GcodeFile
}

func decodeFrame(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"_raw": string(raw)}, fmt.Errorf("ingest: decode frame: %w", err)
	}
	return payload, nil
}

func hashPayload(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// derivedEventID implements event_id = SHA256(printer_id || payload_hash).
func derivedEventID(printerID, payloadHash string) string {
	sum := sha256.Sum256([]byte(printerID + payloadHash))
	return hex.EncodeToString(sum[:])
}
