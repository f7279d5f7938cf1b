package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerKind classifies a MaterialLedger row.
type LedgerKind string

const (
	LedgerPurchase           LedgerKind = "purchase"
	LedgerAdjustment         LedgerKind = "adjustment"
	LedgerConsumption        LedgerKind = "consumption"
	LedgerReservation        LedgerKind = "reservation"
	LedgerReservationRelease LedgerKind = "reservation_release"
	LedgerCancelRefund       LedgerKind = "cancel_refund"
	LedgerReversal           LedgerKind = "reversal"
	LedgerMergeIn            LedgerKind = "merge_in"
	LedgerMergeOut           LedgerKind = "merge_out"
	LedgerTrayDiscard        LedgerKind = "tray_discard"
)

// Pricing holds the optional cost fields carried by purchase rows.
type Pricing struct {
	RollsCount   *int
	PricePerRoll *decimal.Decimal
	PriceTotal   *decimal.Decimal
}

// MaterialLedger is one append-only row in the double-entry grams
// ledger. Only the void fields are ever updated after insert.
type MaterialLedger struct {
	ID            int64
	StockID       *string // nil for tray-only rows
	JobID         *string
	DeltaGrams    float64 // signed, effective (post-clamp) delta
	Kind          LedgerKind
	Pricing       Pricing
	HasTray       bool
	TrayDelta     int
	Reason        string
	CreatedAt     time.Time
	VoidedAt      *time.Time
	VoidReason    string
	ReversalOfID  *int64
}
