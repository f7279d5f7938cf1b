package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/ledger"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store/memstore"
)

func newFixture(t *testing.T, remaining float64) (*ledger.Service, *memstore.Store, model.MaterialStock) {
	t.Helper()
	mem := memstore.New()
	stock := model.MaterialStock{
		ID:              "stock-1",
		Material:        "PLA",
		Color:           "白色",
		Brand:           model.OfficialBrand,
		RollWeightGrams: 1000,
		RemainingGrams:  remaining,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := mem.Stocks.Create(context.Background(), &stock); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return ledger.NewService(mem.Stocks, mem.Ledger, nil), mem, stock
}

func TestApplyStockDeltaClampsAtZero(t *testing.T) {
	svc, mem, stock := newFixture(t, 50)
	ctx := context.Background()

	row, err := svc.ApplyStockDelta(ctx, ledger.ApplyInput{
		StockID:    stock.ID,
		DeltaGrams: -120,
		Kind:       model.LedgerConsumption,
		Reason:     "test overdraw",
		Now:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyStockDelta: %v", err)
	}
	if row.DeltaGrams != -50 {
		t.Fatalf("expected clamped effective delta -50, got %v", row.DeltaGrams)
	}

	got, err := mem.Stocks.Get(ctx, stock.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RemainingGrams != 0 {
		t.Fatalf("expected remaining_grams clamped to 0, got %v", got.RemainingGrams)
	}
}

// TestReverseAdjustment implements spec scenario 6: a +120 adjustment
// on a 500g stock is reversed, restoring the stock to 500 and leaving
// an audit trail of two rows.
func TestReverseAdjustment(t *testing.T) {
	svc, mem, stock := newFixture(t, 500)
	ctx := context.Background()
	now := time.Now().UTC()

	adj, err := svc.ApplyStockDelta(ctx, ledger.ApplyInput{
		StockID:    stock.ID,
		DeltaGrams: 120,
		Kind:       model.LedgerAdjustment,
		Reason:     "found extra roll",
		Now:        now,
	})
	if err != nil {
		t.Fatalf("ApplyStockDelta: %v", err)
	}

	got, _ := mem.Stocks.Get(ctx, stock.ID)
	if got.RemainingGrams != 620 {
		t.Fatalf("expected 620 after adjustment, got %v", got.RemainingGrams)
	}

	reversal, err := svc.Reverse(ctx, adj.ID, "correcting mistaken adjustment", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if reversal.DeltaGrams != -120 {
		t.Fatalf("expected reversal delta -120, got %v", reversal.DeltaGrams)
	}
	if reversal.ReversalOfID == nil || *reversal.ReversalOfID != adj.ID {
		t.Fatalf("expected reversal_of_id to point at %d", adj.ID)
	}

	got, _ = mem.Stocks.Get(ctx, stock.ID)
	if got.RemainingGrams != 500 {
		t.Fatalf("expected stock restored to 500, got %v", got.RemainingGrams)
	}

	original, err := mem.Ledger.Get(ctx, adj.ID)
	if err != nil {
		t.Fatalf("Get original: %v", err)
	}
	if original.VoidedAt == nil {
		t.Fatal("expected original row to be voided")
	}

	// A second reverse call is idempotent: it returns the same
	// reversal id without a second compensating row.
	again, err := svc.Reverse(ctx, adj.ID, "retry", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second Reverse: %v", err)
	}
	if again.ID != reversal.ID {
		t.Fatalf("expected idempotent reversal id %d, got %d", reversal.ID, again.ID)
	}

	got, _ = mem.Stocks.Get(ctx, stock.ID)
	if got.RemainingGrams != 500 {
		t.Fatalf("expected stock unchanged by repeat reverse, got %v", got.RemainingGrams)
	}
}

// TestReverseRejectsInsufficientBalance covers the 409-equivalent
// branch: the stock was drawn down below the adjustment amount before
// the reverse call arrives.
func TestReverseRejectsInsufficientBalance(t *testing.T) {
	svc, mem, stock := newFixture(t, 500)
	ctx := context.Background()
	now := time.Now().UTC()

	adj, err := svc.ApplyStockDelta(ctx, ledger.ApplyInput{
		StockID:    stock.ID,
		DeltaGrams: 120,
		Kind:       model.LedgerAdjustment,
		Reason:     "found extra roll",
		Now:        now,
	})
	if err != nil {
		t.Fatalf("ApplyStockDelta: %v", err)
	}

	if _, err := svc.ApplyStockDelta(ctx, ledger.ApplyInput{
		StockID:    stock.ID,
		DeltaGrams: -550,
		Kind:       model.LedgerConsumption,
		Reason:     "heavy print",
		Now:        now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("ApplyStockDelta consumption: %v", err)
	}

	got, _ := mem.Stocks.Get(ctx, stock.ID)
	if got.RemainingGrams != 70 {
		t.Fatalf("expected 70 remaining before reverse, got %v", got.RemainingGrams)
	}

	if _, err := svc.Reverse(ctx, adj.ID, "attempt after drawdown", now.Add(2*time.Minute)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}
