package model

import "time"

// EventType classifies a NormalizedEvent by the lifecycle transition
// it represents, derived from the gcode_state transition (see
// internal/normalize).
type EventType string

const (
	EventPrintStarted  EventType = "PrintStarted"
	EventPrintProgress EventType = "PrintProgress"
	EventPrintEnded    EventType = "PrintEnded"
	EventPrintFailed   EventType = "PrintFailed"
	EventStateChanged  EventType = "StateChanged"
)

// NormalizedEvent is the deduplicated, content-addressed view of a
// RawEvent that the Event Processor consumes.
type NormalizedEvent struct {
	ID         int64
	EventID    string // SHA256(printer_id || payload_hash), globally unique
	PrinterID  string
	Type       EventType
	OccurredAt time.Time
	Payload    NormalizedPayload
	RawEventID int64
}

// NormalizedPayload is the compact normalized document produced by
// internal/normalize for one telemetry frame.
type NormalizedPayload struct {
	GcodeState     string
	Progress       int
	RemainingTime  int
	GcodeFile      string
	GcodeStartTime string
	TaskID         string
	SubtaskID      string
	SubtaskName    string

	TrayNow  *int // nil means "no active tray" (sentinel 255 normalized away)
	AMSTrays []AMSTray
	Filament []FilamentEntry

	// Signatures used by the Ingestor's progress-event dedupe rule.
	GcodeStateSig string
	ProgressSig   string
	AMSSig        string
	FilamentSig   string
	EstimateSig   string
}

// AMSTray is one flattened AMS bay reading, merged from both the
// `ams.tray[]` and `ams.ams[].tray[]` wire layouts.
type AMSTray struct {
	ID          int
	Type        string
	ColorHex    string // canonical '#RRGGBB'
	ColorHexRaw string // raw hex as received, kept for operator correction
	Remain      float64
	RemainUnit  RemainUnit
	TagUID      string
	TrayUUID    string
	TrayIDName  string
	IsOfficial  bool
}

// RemainUnit tags the unit a tray's `remain` reading was reported in,
// so downstream code only ever compares values within a matching unit.
type RemainUnit string

const (
	RemainUnitFraction RemainUnit = "fraction" // [0,1]
	RemainUnitPercent  RemainUnit = "percent"  // (1,100]
	RemainUnitGrams    RemainUnit = "grams"    // >100
	RemainUnitUnknown  RemainUnit = "unknown"
)

// FilamentEntry is one per-material estimate or usage reading, aligned
// by index to the printer's filament array.
type FilamentEntry struct {
	TrayID   *int
	Type     string
	ColorHex string
	TotalG   *float64 // filament[].total_g — slicer estimate
	UsedG    *float64 // filament[].used_g — actual consumption
	TotalMM  *float64
	UsedMM   *float64
}
