package settlement

import (
	"context"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// stubSuppressionWindow bounds how far back a "stub" running job (no
// file name, created before the real task_id arrived) is
// eligible to be marked superseded.
const stubSuppressionWindow = 10 * time.Minute

// NextStatus derives a job's next lifecycle status from its current
// status, the incoming event's type, and the raw gcode_state, per the
// transition table. Manual jobs never leave the state machine.
func NextStatus(current model.JobStatus, eventType model.EventType, gcodeState string) model.JobStatus {
	if current == model.JobStatusManual {
		return current
	}

	switch gcodeState {
	case "CANCELED":
		if current == model.JobStatusRunning {
			return model.JobStatusCancelled
		}
	case "FAILED", "STOPPED":
		if current == model.JobStatusRunning || current == model.JobStatusUnknown {
			return model.JobStatusFailed
		}
	case "FINISH", "IDLE":
		if current == model.JobStatusRunning {
			return model.JobStatusEnded
		}
	case "RUNNING":
		return model.JobStatusRunning
	}

	switch eventType {
	case model.EventPrintStarted:
		return model.JobStatusRunning
	case model.EventPrintEnded:
		if current == model.JobStatusRunning {
			return model.JobStatusEnded
		}
	case model.EventPrintFailed:
		return model.JobStatusFailed
	}

	if current == "" {
		return model.JobStatusUnknown
	}
	return current
}

// IsTerminal reports whether status is one the Event Processor
// attempts settlement from.
func IsTerminal(status model.JobStatus) bool {
	return status == model.JobStatusEnded || status == model.JobStatusFailed || status == model.JobStatusCancelled
}

// suppressStubJobs marks recent, file-name-less running jobs on
// printerID other than keepJobID as ended+superseded, once a real
// task_id has produced a concrete job. This prevents the orphaned stub
// from ever reaching terminal settlement on its own.
func suppressStubJobs(ctx context.Context, jobs store.JobRepository, printerID, keepJobID string, now time.Time) error {
	running, err := jobs.ListRunningByPrinter(ctx, printerID)
	if err != nil {
		return err
	}
	for _, j := range running {
		if j.ID == keepJobID || j.FileName != nil {
			continue
		}
		if now.Sub(j.CreatedAt) > stubSuppressionWindow {
			continue
		}
		j.Status = model.JobStatusEnded
		snap := j.Snapshot.Clone()
		snap.SettleError = "superseded_stub_job"
		j.Snapshot = snap
		j.UpdatedAt = now
		if err := jobs.Update(ctx, &j); err != nil {
			return err
		}
	}
	return nil
}
