package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// BatchSize is the maximum number of normalized events processed per
// tick (spec §5: "at most 500 events per tick").
const BatchSize = 500

// TickInterval is how often Run polls for new normalized events.
const TickInterval = 2 * time.Second

// Processor is the Event Processor: single-flighted per engine
// instance, it advances a process-local cursor over normalized_events
// and drives job reconstruction, reservation, and terminal settlement.
type Processor struct {
	events      store.NormalizedEventRepository
	jobs        store.JobRepository
	stocks      store.StockRepository
	ledgerRows  store.LedgerRepository
	consumption store.ConsumptionRepository
	colorMaps   store.ColorMappingRepository
	ledger      *ledger.Service
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	// calibrationEnabled gates the remain-delta settlement tier (spec
	// §4.6.6's 4th-priority fallback) behind
	// config.MaterialAMSCalibrationEnabled: a tray's start/end remain
	// readings only convert to a trustworthy grams estimate once an
	// operator has confirmed the AMS's remain reporting against a known
	// roll weight for this fleet.
	calibrationEnabled bool

	lastProcessedID int64
}

func NewProcessor(
	events store.NormalizedEventRepository,
	jobs store.JobRepository,
	stocks store.StockRepository,
	ledgerRows store.LedgerRepository,
	consumption store.ConsumptionRepository,
	colorMaps store.ColorMappingRepository,
	ledgerSvc *ledger.Service,
	m *metrics.Metrics,
	logger zerolog.Logger,
	calibrationEnabled bool,
) *Processor {
	return &Processor{
		events:             events,
		jobs:               jobs,
		stocks:             stocks,
		ledgerRows:         ledgerRows,
		consumption:        consumption,
		colorMaps:          colorMaps,
		ledger:             ledgerSvc,
		metrics:            m,
		logger:             logger.With().Str("component", "settlement_processor").Logger(),
		calibrationEnabled: calibrationEnabled,
	}
}

// Run loops ticking every TickInterval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error().Err(err).Msg("settlement tick failed")
			}
		}
	}
}

// Tick processes up to BatchSize normalized events with id >
// lastProcessedID. It opens no transaction: each repository call
// commits on its own, so the writes for one event are not applied
// atomically.
func (p *Processor) Tick(ctx context.Context) error {
	start := time.Now().UTC()
	batch, err := p.events.ListBatch(ctx, p.lastProcessedID, BatchSize)
	if err != nil {
		return err
	}

	processed := 0
	for _, ev := range batch {
		if err := p.processEvent(ctx, ev); err != nil {
			p.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("process normalized event")
			continue
		}
		p.lastProcessedID = ev.ID
		processed++
	}

	p.metrics.TrackSettlementTick(processed, float64(time.Since(start).Milliseconds()))
	return nil
}

// processEvent reconstructs (or loads) the job for ev, advances its
// lifecycle, resolves tray metadata, attempts reservation, and runs
// terminal settlement exactly once.
func (p *Processor) processEvent(ctx context.Context, ev model.NormalizedEvent) error {
	now := ev.OccurredAt
	jobKey := DeriveJobKey(ev.PrinterID, ev.Payload, ev.OccurredAt.Unix())

	job, err := p.jobs.GetByJobKey(ctx, ev.PrinterID, jobKey)
	isNew := false
	if errors.Is(err, store.ErrNotFound) {
		isNew = true
		key := jobKey
		job = &model.PrintJob{
			ID:        uuid.NewString(),
			PrinterID: ev.PrinterID,
			JobKey:    &key,
			Status:    model.JobStatusUnknown,
			Snapshot:  model.NewSnapshot(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if ev.Payload.GcodeFile != "" {
			f := ev.Payload.GcodeFile
			job.FileName = &f
		}
	} else if err != nil {
		return err
	}

	if isNew && ev.Payload.TaskID != "" {
		if err := suppressStubJobs(ctx, p.jobs, ev.PrinterID, job.ID, now); err != nil {
			p.logger.Warn().Err(err).Str("printer_id", ev.PrinterID).Msg("suppress stub jobs")
		}
	}

	prevStatus := job.Status
	job.Status = NextStatus(job.Status, ev.Type, ev.Payload.GcodeState)
	if job.Status == model.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if IsTerminal(job.Status) && prevStatus != job.Status {
		job.EndedAt = &now
	}

	snap := job.Snapshot.Clone()
	p.applyTraySnapshot(ctx, &snap, ev.Payload)
	p.maybeReserve(ctx, job, &snap, ev.Payload, now)
	job.Snapshot = snap

	if isNew {
		if err := p.jobs.Create(ctx, job); err != nil {
			return err
		}
	} else {
		job.UpdatedAt = now
		if err := p.jobs.Update(ctx, job); err != nil {
			return err
		}
	}

	if IsTerminal(job.Status) {
		snap := job.Snapshot.Clone()
		p.settle(ctx, job, &snap, ev.Payload, now)
		job.Snapshot = snap
		job.UpdatedAt = now
		if err := p.jobs.Update(ctx, job); err != nil {
			return err
		}
	}

	return nil
}

// applyTraySnapshot merges newly observed trays and their resolved
// metadata/stock bindings into snap, never overwriting a
// previously-resolved tray_to_stock entry.
func (p *Processor) applyTraySnapshot(ctx context.Context, snap *model.Snapshot, payload model.NormalizedPayload) {
	snap.TrayNow = payload.TrayNow
	if payload.TrayNow != nil {
		seen := false
		for _, t := range snap.TraysSeen {
			if t == *payload.TrayNow {
				seen = true
				break
			}
		}
		if !seen {
			snap.TraysSeen = append(snap.TraysSeen, *payload.TrayNow)
		}
	}

	for _, tray := range payload.AMSTrays {
		meta := resolveTrayMeta(ctx, p.colorMaps, tray)
		if prev, ok := snap.TrayMetaByTray[tray.ID]; ok && prev.HasStartRemain {
			meta.HasStartRemain = true
			meta.StartRemain = prev.StartRemain
			meta.StartRemainUnit = prev.StartRemainUnit
		} else if tray.RemainUnit != model.RemainUnitUnknown {
			meta.HasStartRemain = true
			meta.StartRemain = tray.Remain
			meta.StartRemainUnit = tray.RemainUnit
		}
		snap.TrayMetaByTray[tray.ID] = meta

		seen := false
		for _, t := range snap.TraysSeen {
			if t == tray.ID {
				seen = true
				break
			}
		}
		if !seen {
			snap.TraysSeen = append(snap.TraysSeen, tray.ID)
		}

		if _, already := snap.TrayToStock[tray.ID]; already {
			continue
		}
		if stockID, ok := resolveTrayStock(ctx, p.stocks, meta); ok {
			snap.TrayToStock[tray.ID] = stockID
		} else {
			appendPendingTray(snap, tray.ID)
		}
	}
}
