package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store/memstore"
)

func money(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestValuateWeightedAverageAcrossTwoPurchases(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	stockID := "stock-1"
	if err := st.Stocks.Create(ctx, &model.MaterialStock{
		ID: stockID, Material: "PLA", Color: "black", Brand: "official",
		RollWeightGrams: 1000, RemainingGrams: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mustInsertLedger(t, ctx, st, model.MaterialLedger{
		StockID: &stockID, DeltaGrams: 1000, Kind: model.LedgerPurchase,
		Pricing: model.Pricing{PriceTotal: money("100.00")}, CreatedAt: base,
	})
	mustInsertLedger(t, ctx, st, model.MaterialLedger{
		StockID: &stockID, DeltaGrams: 1000, Kind: model.LedgerPurchase,
		Pricing: model.Pricing{PriceTotal: money("200.00")}, CreatedAt: base.Add(time.Hour),
	})

	// Consumes 500g after both purchases: balance is 2000g/300.00,
	// unit cost 0.15/g, so this draw costs 75.00.
	if err := st.Consumption.Insert(ctx, &model.ConsumptionRecord{
		StockID: &stockID, Grams: 500, GramsRequested: 500, GramsEffective: 500,
		Source: model.SourceFilamentUsed, Confidence: model.ConfidenceHigh,
		CreatedAt: base.Add(2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	v, err := Valuate(ctx, st.Stocks, st.Ledger, st.Consumption, stockID)
	if err != nil {
		t.Fatalf("valuate: %v", err)
	}

	if got := v.PurchasedValueTotal.StringFixed(2); got != "300.00" {
		t.Fatalf("purchased value = %s, want 300.00", got)
	}
	if got := v.ConsumedValueEst.StringFixed(2); got != "75.00" {
		t.Fatalf("consumed value = %s, want 75.00", got)
	}
	if got := v.RemainingValueEst.StringFixed(2); got != "225.00" {
		t.Fatalf("remaining value = %s, want 225.00", got)
	}
	if v.ConsumedRollsEst != 0.5 {
		t.Fatalf("consumed rolls = %v, want 0.5", v.ConsumedRollsEst)
	}
}

func TestValuateUncoveredConsumptionContributesZeroCost(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	stockID := "stock-2"
	if err := st.Stocks.Create(ctx, &model.MaterialStock{
		ID: stockID, Material: "PLA", Color: "red", Brand: "official",
		RollWeightGrams: 1000, RemainingGrams: 0,
	}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mustInsertLedger(t, ctx, st, model.MaterialLedger{
		StockID: &stockID, DeltaGrams: 100, Kind: model.LedgerPurchase,
		Pricing: model.Pricing{PriceTotal: money("10.00")}, CreatedAt: base,
	})

	// Draws 300g against a 100g priced balance — 200g is uncovered and
	// contributes zero cost.
	if err := st.Consumption.Insert(ctx, &model.ConsumptionRecord{
		StockID: &stockID, Grams: 300, GramsRequested: 300, GramsEffective: 300,
		Source: model.SourceFilamentUsed, Confidence: model.ConfidenceHigh,
		CreatedAt: base.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	v, err := Valuate(ctx, st.Stocks, st.Ledger, st.Consumption, stockID)
	if err != nil {
		t.Fatalf("valuate: %v", err)
	}
	if got := v.ConsumedValueEst.StringFixed(2); got != "10.00" {
		t.Fatalf("consumed value = %s, want 10.00 (fully draining the priced balance)", got)
	}
	if got := v.RemainingValueEst.StringFixed(2); got != "0.00" {
		t.Fatalf("remaining value = %s, want 0.00", got)
	}
}

func mustInsertLedger(t *testing.T, ctx context.Context, st *memstore.Store, row model.MaterialLedger) {
	t.Helper()
	if _, err := st.Ledger.Insert(ctx, &row); err != nil {
		t.Fatalf("insert ledger row: %v", err)
	}
}
