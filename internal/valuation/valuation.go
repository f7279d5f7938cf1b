// Package valuation computes stock cost basis on demand by replaying
// a stock's priced purchase ledger rows and non-voided consumption
// records in timestamp order. There is no persisted running balance —
// every call recomputes from the ledger, matching the spec's "valuation
// is computed on demand" contract rather than maintaining a
// denormalized running total that could drift from the ledger it's
// derived from.
package valuation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// StockValuation is the replay result for one stock.
type StockValuation struct {
	StockID            string
	PurchasedValueTotal decimal.Decimal
	ConsumedValueEst    decimal.Decimal
	RemainingValueEst   decimal.Decimal
	ConsumedRollsEst    float64
}

// entry is one priced event in the replay timeline: either a purchase
// (grams > 0, cost set) or a consumption draw (grams > 0, cost nil —
// the draw's cost is computed from the running weighted-average
// balance, not carried on the event itself).
type entry struct {
	createdAt  time.Time
	isPurchase bool
	grams      float64
	cost       decimal.Decimal
}

// Valuate replays stockID's priced purchase ledger rows and non-voided
// consumption records in timestamp order (ties: purchases before
// consumptions, per spec §4.7) and returns the resulting weighted-
// average cost valuation.
func Valuate(ctx context.Context, stocks store.StockRepository, ledgerRows store.LedgerRepository, consumption store.ConsumptionRepository, stockID string) (*StockValuation, error) {
	stock, err := stocks.Get(ctx, stockID)
	if err != nil {
		return nil, fmt.Errorf("valuation: load stock %s: %w", stockID, err)
	}

	rows, err := ledgerRows.ListByStock(ctx, stockID)
	if err != nil {
		return nil, fmt.Errorf("valuation: list ledger rows for stock %s: %w", stockID, err)
	}
	consumptions, err := consumption.ListByStock(ctx, stockID)
	if err != nil {
		return nil, fmt.Errorf("valuation: list consumption for stock %s: %w", stockID, err)
	}

	timeline := make([]entry, 0, len(rows)+len(consumptions))
	for _, r := range rows {
		if r.Kind != model.LedgerPurchase || r.VoidedAt != nil || r.Pricing.PriceTotal == nil {
			continue
		}
		if r.DeltaGrams <= 0 {
			continue
		}
		timeline = append(timeline, entry{createdAt: r.CreatedAt, isPurchase: true, grams: r.DeltaGrams, cost: *r.Pricing.PriceTotal})
	}
	for _, c := range consumptions {
		if c.VoidedAt != nil || c.GramsEffective <= 0 {
			continue
		}
		timeline = append(timeline, entry{createdAt: c.CreatedAt, isPurchase: false, grams: c.GramsEffective})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		if !timeline[i].createdAt.Equal(timeline[j].createdAt) {
			return timeline[i].createdAt.Before(timeline[j].createdAt)
		}
		// Ties: purchases settle before consumptions.
		return timeline[i].isPurchase && !timeline[j].isPurchase
	})

	out := &StockValuation{StockID: stockID}
	var balanceGrams float64
	var balanceCost decimal.Decimal
	var consumedGrams float64

	for _, e := range timeline {
		if e.isPurchase {
			balanceGrams += e.grams
			balanceCost = balanceCost.Add(e.cost)
			out.PurchasedValueTotal = out.PurchasedValueTotal.Add(e.cost)
			continue
		}

		drawGrams := e.grams
		if drawGrams > balanceGrams {
			drawGrams = balanceGrams // uncovered portion contributes zero cost
		}
		var drawCost decimal.Decimal
		if balanceGrams > 0 && drawGrams > 0 {
			unitCost := balanceCost.Div(decimal.NewFromFloat(balanceGrams))
			drawCost = unitCost.Mul(decimal.NewFromFloat(drawGrams)).Round(2)
		}

		out.ConsumedValueEst = out.ConsumedValueEst.Add(drawCost)
		balanceGrams -= drawGrams
		balanceCost = balanceCost.Sub(drawCost)
		consumedGrams += e.grams
	}

	out.RemainingValueEst = balanceCost.Round(2)
	out.PurchasedValueTotal = out.PurchasedValueTotal.Round(2)
	out.ConsumedValueEst = out.ConsumedValueEst.Round(2)
	if stock.RollWeightGrams > 0 {
		out.ConsumedRollsEst = consumedGrams / stock.RollWeightGrams
	}
	return out, nil
}
