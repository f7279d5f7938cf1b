package settlement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// settle runs terminal settlement exactly once per job, guarded by
// snap.SettledAt (spec §4.6.6). Errors are recorded into
// snap.SettleError rather than propagated, so the job is left eligible
// for operator intervention without blocking the tick.
func (p *Processor) settle(ctx context.Context, job *model.PrintJob, snap *model.Snapshot, normalized model.NormalizedPayload, now time.Time) {
	if snap.SettledAt != nil {
		return
	}

	p.releaseReservations(ctx, job, snap, now)

	final := p.finalGramsPerTray(normalized, snap)
	for trayID, amount := range final {
		if amount.grams <= 0 {
			continue
		}
		if err := p.settleTray(ctx, job, snap, trayID, amount, now); err != nil {
			snap.SettleError = err.Error()
			p.logger.Error().Err(err).Str("job_id", job.ID).Int("tray", trayID).Msg("settle tray consumption")
		}
	}

	t := now
	snap.SettledAt = &t
}

// releaseReservations converts every outstanding reservation into a
// compensating +grams release, idempotent per (job, tray). The whole
// reserved amount always comes back here; the job's eventual
// consumption row (posted right after, from finalGramsPerTray) is what
// actually debits the real usage, so the pair nets to "-used" however
// the job ended. Cancelled jobs use kind=cancel_refund for this same
// release so the ledger records *why* the reservation unwound; other
// terminal outcomes use kind=reservation_release.
func (p *Processor) releaseReservations(ctx context.Context, job *model.PrintJob, snap *model.Snapshot, now time.Time) {
	if len(snap.ReservedByTray) == 0 || snap.ReservationReleaseAt != nil {
		return
	}

	ledgerRows, err := p.ledgerRows.ListByJob(ctx, job.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("list ledger rows for release guard")
		return
	}

	kind := model.LedgerReservationRelease
	reasonFor := releaseReason
	if job.Status == model.JobStatusCancelled {
		kind = model.LedgerCancelRefund
		reasonFor = cancelRefundReason
	}

	for trayID, grams := range snap.ReservedByTray {
		stockID, ok := snap.ReservedStockByTray[trayID]
		if !ok {
			continue
		}
		reason := reasonFor(job.ID, trayID)
		if hasReasonSubstring(ledgerRows, reason) {
			continue
		}
		_, err := p.ledger.ApplyStockDelta(ctx, ledger.ApplyInput{
			StockID:    stockID,
			DeltaGrams: grams,
			Reason:     reason,
			JobID:      &job.ID,
			Kind:       kind,
			Now:        now,
		})
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Int("tray", trayID).Msg("release reservation")
			continue
		}
	}
	t := now
	snap.ReservationReleaseAt = &t
}

// finalAmount is the settled amount resolved for one tray. unit tags
// the scale grams is expressed in for all tiers except
// SourceRemainDelta, which is expressed in the tray's own remain unit
// and converted to grams by settleTray once the destination stock's
// roll_weight_grams is known.
type finalAmount struct {
	grams      float64
	unit       model.RemainUnit
	source     model.ConsumptionSource
	confidence model.Confidence
}

// finalGramsPerTray determines the settled amount for every tray the
// job touched, in the precedence order spec §4.6.6 lays out: used_g,
// then total_g, then the reservation amount, then (calibration
// permitting) a remain-delta estimate from the tray's own start/end
// readings.
func (p *Processor) finalGramsPerTray(normalized model.NormalizedPayload, snap *model.Snapshot) map[int]finalAmount {
	out := make(map[int]finalAmount)

	soleFilament := len(normalized.Filament) == 1
	for _, f := range normalized.Filament {
		trayID, ok := resolveFilamentTrayID(f, normalized.AMSTrays, normalized.TrayNow, soleFilament)
		if !ok {
			continue
		}
		switch {
		case f.UsedG != nil && *f.UsedG > 0:
			out[trayID] = finalAmount{grams: *f.UsedG, unit: model.RemainUnitGrams, source: model.SourceFilamentUsed, confidence: model.ConfidenceHigh}
		case f.TotalG != nil && *f.TotalG > 0:
			if _, have := out[trayID]; !have {
				out[trayID] = finalAmount{grams: *f.TotalG, unit: model.RemainUnitGrams, source: model.SourceFilamentTotal, confidence: model.ConfidenceMedium}
			}
		}
	}

	for trayID, grams := range snap.ReservedByTray {
		if _, have := out[trayID]; !have && grams > 0 {
			out[trayID] = finalAmount{grams: grams, unit: model.RemainUnitGrams, source: model.SourceReservation, confidence: model.ConfidenceLow}
		}
	}

	if p.calibrationEnabled {
		for trayID, endRemain := range findTrayEndRemain(normalized.AMSTrays) {
			if _, have := out[trayID]; have {
				continue
			}
			meta, ok := snap.TrayMetaByTray[trayID]
			if !ok || !meta.HasStartRemain || meta.StartRemainUnit != endRemain.unit {
				continue
			}
			delta := meta.StartRemain - endRemain.amount
			if delta > 0 {
				out[trayID] = finalAmount{grams: delta, unit: endRemain.unit, source: model.SourceRemainDelta, confidence: model.ConfidenceLow}
			}
		}
	}

	return out
}

type trayRemainReading struct {
	amount float64
	unit   model.RemainUnit
}

// findTrayEndRemain collects each tray's last-observed remain reading
// from the job's final normalized payload, the "end" half of the
// remain-delta tier's start-end comparison.
func findTrayEndRemain(trays []model.AMSTray) map[int]trayRemainReading {
	out := make(map[int]trayRemainReading, len(trays))
	for _, t := range trays {
		if t.RemainUnit == model.RemainUnitUnknown {
			continue
		}
		out[t.ID] = trayRemainReading{amount: t.Remain, unit: t.RemainUnit}
	}
	return out
}

// settleTray writes the consumption record and ledger delta for one
// tray, or a pending item when the tray's stock is still unresolved.
// The (job, tray, segment=0) consumption probe makes this idempotent.
func (p *Processor) settleTray(ctx context.Context, job *model.PrintJob, snap *model.Snapshot, trayID int, amount finalAmount, now time.Time) error {
	existing, err := p.consumption.ListByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("settlement: list consumption for job %s: %w", job.ID, err)
	}
	for _, c := range existing {
		if c.TrayID != nil && *c.TrayID == trayID && c.SegmentIdx != nil && *c.SegmentIdx == 0 {
			return nil // already settled, idempotent no-op
		}
	}

	stockID, resolved := snap.TrayToStock[trayID]
	if !resolved {
		meta := snap.TrayMetaByTray[trayID]
		appendPendingTray(snap, trayID)
		snap.PendingConsumptions = append(snap.PendingConsumptions, model.PendingConsumption{
			TrayID:         trayID,
			SegmentIdx:     0,
			Unit:           amount.unit,
			GramsRequested: amount.grams,
			Source:         string(amount.source),
			Confidence:     string(amount.confidence),
			Metadata:       meta,
		})
		return nil
	}

	stock, err := p.stocks.Get(ctx, stockID)
	if err != nil {
		return fmt.Errorf("settlement: load stock %s: %w", stockID, err)
	}

	gramsRequested := amount.grams
	switch amount.unit {
	case model.RemainUnitPercent:
		gramsRequested = amount.grams / 100 * stock.RollWeightGrams
	case model.RemainUnitFraction:
		gramsRequested = amount.grams * stock.RollWeightGrams
	}
	gramsEffective := math.Min(gramsRequested, stock.RemainingGrams)

	jobID := job.ID
	segIdx := 0
	trayIDCopy := trayID
	_, err = p.ledger.ApplyStockDelta(ctx, ledger.ApplyInput{
		StockID:    stockID,
		DeltaGrams: -gramsEffective,
		Reason:     fmt.Sprintf("consumption job=%s tray=%d", job.ID, trayID),
		JobID:      &jobID,
		Kind:       model.LedgerConsumption,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("settlement: apply consumption delta: %w", err)
	}

	return p.consumption.Insert(ctx, &model.ConsumptionRecord{
		JobID:          &jobID,
		StockID:        &stockID,
		TrayID:         &trayIDCopy,
		SegmentIdx:     &segIdx,
		Grams:          gramsEffective,
		GramsRequested: gramsRequested,
		GramsEffective: gramsEffective,
		Source:         amount.source,
		Confidence:     amount.confidence,
		CreatedAt:      now,
	})
}

func appendPendingTray(snap *model.Snapshot, trayID int) {
	for _, t := range snap.PendingTrays {
		if t == trayID {
			return
		}
	}
	snap.PendingTrays = append(snap.PendingTrays, trayID)
}
