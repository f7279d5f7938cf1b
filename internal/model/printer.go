package model

import "time"

// PrinterStatus tracks reachability of a printer's MQTT subscriber.
type PrinterStatus string

const (
	PrinterStatusOnline  PrinterStatus = "online"
	PrinterStatusOffline PrinterStatus = "offline"
	PrinterStatusUnknown PrinterStatus = "unknown"
)

// Printer is a registered 3D printer the Ingestor subscribes to.
type Printer struct {
	ID                  string
	IP                  string
	Serial              string
	AccessCodeEncrypted string
	Status              PrinterStatus
	LastSeen            time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
