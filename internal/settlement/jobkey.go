// Package settlement implements the Event Processor: it polls the
// normalized event log, reconstructs print jobs, manages the
// pre-deduct reservation protocol, and emits consumption and reversal
// ledger entries at terminal states.
package settlement

import (
	"strconv"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// DeriveJobKey implements the three-tier precedence a job_key is
// derived under: task/subtask identity first, then the gcode start
// time plus file name, then an occurred_at-based fallback that is
// stable as long as the same frame isn't replayed at a different time.
func DeriveJobKey(printerID string, p model.NormalizedPayload, occurredAtEpoch int64) string {
	switch {
	case p.TaskID != "":
		return printerID + ":" + p.TaskID
	case p.SubtaskID != "":
		return printerID + ":" + p.SubtaskID
	case p.GcodeStartTime != "" && p.GcodeFile != "":
		return printerID + ":" + p.GcodeStartTime + ":" + p.GcodeFile
	default:
		return printerID + ":" + strconv.FormatInt(occurredAtEpoch, 10) + ":" + p.GcodeFile
	}
}
