package settlement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// ResolveMapping is one operator-submitted tray→stock attribution for
// a settled job's pending consumption.
type ResolveMapping struct {
	TrayID  int
	StockID string
}

// ResolvePending implements the pending attribution resolve API (spec
// §4.6.7). It is safe to call twice with the same mapping: the
// (job, tray, segment) consumption probe makes the second call a
// no-op.
func (p *Processor) ResolvePending(ctx context.Context, jobID string, mappings []ResolveMapping, now time.Time) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("settlement: load job %s: %w", jobID, err)
	}
	snap := job.Snapshot.Clone()

	byTray := make(map[int]string, len(mappings))
	for _, m := range mappings {
		byTray[m.TrayID] = m.StockID
	}

	remaining := snap.PendingConsumptions[:0]
	for _, item := range snap.PendingConsumptions {
		stockID, ok := byTray[item.TrayID]
		if !ok {
			remaining = append(remaining, item)
			continue
		}

		existing, err := p.consumption.ListByJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("settlement: list consumption for job %s: %w", jobID, err)
		}
		already := false
		for _, c := range existing {
			if c.TrayID != nil && *c.TrayID == item.TrayID && c.SegmentIdx != nil && *c.SegmentIdx == item.SegmentIdx {
				already = true
				break
			}
		}
		if already {
			continue // already attributed; drop from pending without re-applying
		}

		gramsRequested := item.GramsRequested
		if item.Unit == model.RemainUnitPercent {
			if stock, err := p.stocks.Get(ctx, stockID); err == nil && stock.RollWeightGrams > 0 {
				gramsRequested = item.GramsRequested / 100 * stock.RollWeightGrams
			}
		}

		stock, err := p.stocks.Get(ctx, stockID)
		if err != nil {
			return fmt.Errorf("settlement: load stock %s: %w", stockID, err)
		}
		gramsEffective := math.Min(gramsRequested, stock.RemainingGrams)

		segIdx := item.SegmentIdx
		trayID := item.TrayID
		_, err = p.ledger.ApplyStockDelta(ctx, ledger.ApplyInput{
			StockID:    stockID,
			DeltaGrams: -gramsEffective,
			Reason:     fmt.Sprintf("consumption job=%s tray=%d operator_resolved", jobID, item.TrayID),
			JobID:      &jobID,
			Kind:       model.LedgerConsumption,
			Now:        now,
		})
		if err != nil {
			return fmt.Errorf("settlement: apply resolved consumption: %w", err)
		}

		if err := p.consumption.Insert(ctx, &model.ConsumptionRecord{
			JobID:          &jobID,
			StockID:        &stockID,
			TrayID:         &trayID,
			SegmentIdx:     &segIdx,
			Grams:          gramsEffective,
			GramsRequested: gramsRequested,
			GramsEffective: gramsEffective,
			Source:         model.SourceOperator,
			Confidence:     model.ConfidenceHigh,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("settlement: insert resolved consumption record: %w", err)
		}

		snap.TrayToStock[item.TrayID] = stockID
	}
	snap.PendingConsumptions = remaining

	stillPending := make([]int, 0, len(snap.PendingTrays))
	for _, t := range snap.PendingTrays {
		if _, resolved := snap.TrayToStock[t]; !resolved {
			stillPending = append(stillPending, t)
		}
	}
	snap.PendingTrays = stillPending

	job.Snapshot = snap
	job.UpdatedAt = now
	return p.jobs.Update(ctx, job)
}
