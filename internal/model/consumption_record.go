package model

import "time"

// ConsumptionSource classifies how a consumption amount was derived.
type ConsumptionSource string

const (
	SourceFilamentUsed  ConsumptionSource = "filament_used_g"
	SourceFilamentTotal ConsumptionSource = "filament_total_g"
	SourceReservation   ConsumptionSource = "reservation_fallback"
	SourceRemainDelta   ConsumptionSource = "remain_delta"
	SourceOperator      ConsumptionSource = "operator_resolved"
)

// Confidence grades how trustworthy an estimate or consumption amount is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConsumptionRecord is one settled, idempotent filament-use event for
// a (job, tray, segment).
type ConsumptionRecord struct {
	ID             string
	JobID          *string
	StockID        *string
	TrayID         *int
	SegmentIdx     *int
	Grams          float64
	GramsRequested float64
	GramsEffective float64
	Source         ConsumptionSource
	Confidence     Confidence
	CreatedAt      time.Time
	VoidedAt       *time.Time
	VoidReason     string
}
