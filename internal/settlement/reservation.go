package settlement

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// reservationReason builds the ledger reason string the idempotency
// probe greps for: "reservation job=J tray=T source=S".
func reservationReason(jobID string, trayID int, source string) string {
	return fmt.Sprintf("reservation job=%s tray=%d source=%s", jobID, trayID, source)
}

func releaseReason(jobID string, trayID int) string {
	return fmt.Sprintf("reservation_release job=%s tray=%d", jobID, trayID)
}

func cancelRefundReason(jobID string, trayID int) string {
	return fmt.Sprintf("cancel_refund job=%s tray=%d", jobID, trayID)
}

// hasReasonSubstring reports whether any non-voided ledger row for
// jobID already carries substr in its reason, the idempotency guard
// used throughout settlement for at-most-once per (job, tray) writes.
func hasReasonSubstring(rows []model.MaterialLedger, substr string) bool {
	for _, r := range rows {
		if r.VoidedAt == nil && strings.Contains(r.Reason, substr) {
			return true
		}
	}
	return false
}

// resolveFilamentTrayID finds the tray a filament estimate entry
// belongs to: its explicit tray_id, else the unique ams_tray whose
// (type, color_hex) matches, else (single-filament fallback) the
// job's currently active tray.
func resolveFilamentTrayID(f model.FilamentEntry, trays []model.AMSTray, trayNow *int, soleFilament bool) (int, bool) {
	if f.TrayID != nil {
		return *f.TrayID, true
	}
	matchCount, matchID := 0, 0
	for _, t := range trays {
		if t.Type == f.Type && t.ColorHex == f.ColorHex {
			matchCount++
			matchID = t.ID
		}
	}
	if matchCount == 1 {
		return matchID, true
	}
	if soleFilament && trayNow != nil {
		return *trayNow, true
	}
	return 0, false
}

// maybeReserve implements the pre-deduct reservation protocol (spec
// §4.6.5). It mutates snap in place — callers must have obtained snap
// via Snapshot.Clone(). A no-op once snap.ReservedAt is set.
func (p *Processor) maybeReserve(ctx context.Context, job *model.PrintJob, snap *model.Snapshot, normalized model.NormalizedPayload, now time.Time) {
	if snap.ReservedAt != nil || len(normalized.Filament) == 0 {
		return
	}

	const source = "gcode_filament_total"
	soleFilament := len(normalized.Filament) == 1

	ledgerRows, err := p.ledgerRows.ListByJob(ctx, job.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("list ledger rows for reservation guard")
		return
	}

	reservedAny := false
	for _, f := range normalized.Filament {
		if f.TotalG == nil || *f.TotalG <= 0 {
			continue
		}
		trayID, ok := resolveFilamentTrayID(f, normalized.AMSTrays, normalized.TrayNow, soleFilament)
		if !ok {
			continue
		}
		stockID, resolved := snap.TrayToStock[trayID]
		if !resolved {
			continue
		}
		reason := reservationReason(job.ID, trayID, source)
		if hasReasonSubstring(ledgerRows, reason) {
			reservedAny = true
			continue
		}

		stock, err := p.stocks.Get(ctx, stockID)
		if err != nil {
			p.logger.Error().Err(err).Str("stock_id", stockID).Msg("load stock for reservation")
			continue
		}
		reserveGrams := math.Min(*f.TotalG, stock.RemainingGrams)
		if reserveGrams <= 0 {
			continue
		}

		_, err = p.ledger.ApplyStockDelta(ctx, ledger.ApplyInput{
			StockID:    stockID,
			DeltaGrams: -reserveGrams,
			Reason:     reason,
			JobID:      &job.ID,
			Kind:       model.LedgerReservation,
			Now:        now,
		})
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Int("tray", trayID).Msg("apply reservation delta")
			continue
		}

		snap.ReservedByTray[trayID] = reserveGrams
		snap.ReservedStockByTray[trayID] = stockID
		reservedAny = true
	}

	if reservedAny {
		snap.ReservedSource = source
		snap.ReservedConfidence = string(model.ConfidenceHigh)
		t := now
		snap.ReservedAt = &t
	}
}
