// Package estimator implements the Estimator Client: a best-effort,
// background-scheduled filament-weight estimate sourced from a
// printer's own .gcode.3mf archive. It never blocks the ingest path —
// maybe_schedule fires a goroutine and returns immediately, and only
// get_cached is on any caller's critical path.
package estimator

import (
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// PerFilamentEstimate is one material/color weight reading extracted
// from a gcode header.
type PerFilamentEstimate struct {
	TrayID   *int
	Type     string
	ColorHex string
	TotalG   float64
}

// Estimate is the Estimator Client's cached result for one job_key.
type Estimate struct {
	TotalG       float64
	PerFilament  []PerFilamentEstimate
	Source       string
	Confidence   model.Confidence
	Error        string
	CachedAt     time.Time
}
