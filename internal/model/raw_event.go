package model

import "time"

// RawEvent is the append-only log of every telemetry frame received
// from a printer, kept regardless of whether it could be normalized.
type RawEvent struct {
	ID         int64
	PrinterID  string
	Topic      string
	Payload    map[string]any
	ContentHash string
	ReceivedAt time.Time
}
