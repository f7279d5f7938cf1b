package normalize

import "github.com/yangtao121/Bambu-consumables-management/internal/model"

// EventType derives a NormalizedEvent's type from the transition of
// gcode_state between the previous and current normalized frame for a
// printer, per the Ingestor's transition table.
func EventType(prevState, currState string) model.EventType {
	switch {
	case currState == "RUNNING" && prevState != "RUNNING":
		return model.EventPrintStarted
	case prevState == "RUNNING" && (currState == "FINISH" || currState == "IDLE"):
		return model.EventPrintEnded
	case currState == "FAILED" || currState == "STOPPED" || currState == "CANCELED":
		return model.EventPrintFailed
	case currState == prevState:
		return model.EventPrintProgress
	default:
		return model.EventStateChanged
	}
}

// IsProgressDuplicate implements the progress-event dedupe rule: skip
// the NormalizedEvent insert iff the event type is PrintProgress and
// all five signatures are unchanged from the previous event on this
// printer.
func IsProgressDuplicate(eventType model.EventType, prev, curr model.NormalizedPayload) bool {
	if eventType != model.EventPrintProgress {
		return false
	}
	return prev.GcodeStateSig == curr.GcodeStateSig &&
		prev.ProgressSig == curr.ProgressSig &&
		prev.AMSSig == curr.AMSSig &&
		prev.FilamentSig == curr.FilamentSig &&
		prev.EstimateSig == curr.EstimateSig
}
