package model

import "time"

// MaterialStock is a logical inventory entry keyed by (material,
// color, brand), tracking grams remaining.
type MaterialStock struct {
	ID              string
	Material        string
	Color           string
	Brand           string
	RollWeightGrams float64
	RemainingGrams  float64
	IsArchived      bool
	ArchivedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key returns the (material, color, brand) identity used for the
// partial-unique-among-active-rows constraint.
func (s MaterialStock) Key() StockKey {
	return StockKey{Material: s.Material, Color: s.Color, Brand: s.Brand}
}

// StockKey is the logical identity of a MaterialStock.
type StockKey struct {
	Material string
	Color    string
	Brand    string
}

// OfficialBrand is the brand value used to identify first-party
// filament stocks for tray resolution (spec §4.6.4).
const OfficialBrand = "official"
