package timeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/swarmctl/internal/store"
)

// Stage names recorded on the append-only audit log, surfaced on the
// status endpoint and kept for postmortem per spec.md §7.
const (
	StageClaimed         = "CLAIMED"
	StageBlocked         = "BLOCKED"
	StageCompleted       = "COMPLETED"
	StageFailed          = "FAILED"
	StageConflict        = "CONFLICT"
	StageTestFailed      = "TEST_FAILED"
	StageMergeFailed     = "MERGE_FAILED"
	StageMerged          = "MERGED"
	StagePhaseActivated  = "PHASE_ACTIVATED"
	StageBacklogComplete = "BACKLOG_COMPLETE"
	StageReaperReset     = "REAPER_RESET"
)

// Recorder appends timeline events and formats them for retrieval,
// repurposing the teacher's in-process ReconcileEvent log into durable
// task/phase transition records (Store.RecordEvent persists them).
type Recorder struct {
	store store.Store
}

func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes one audit event. phaseIndex may be 0 when the event is
// task-scoped rather than phase-scoped.
func (r *Recorder) Record(ctx context.Context, projectID, taskID string, phaseIndex int, stage string, metadata map[string]string) error {
	event := &store.TimelineEvent{
		EventID:    uuid.NewString(),
		ProjectID:  projectID,
		TaskID:     taskID,
		PhaseIndex: phaseIndex,
		Stage:      stage,
		Timestamp:  time.Now(),
		Metadata:   metadata,
	}
	return r.store.RecordEvent(ctx, event)
}

// ForTask returns every event recorded against taskID, oldest first.
func (r *Recorder) ForTask(ctx context.Context, projectID, taskID string) ([]*store.TimelineEvent, error) {
	return r.store.ListEventsByTask(ctx, projectID, taskID)
}

// Recent returns the last limit events for the project, newest first —
// used by the status/dashboard endpoints.
func (r *Recorder) Recent(ctx context.Context, projectID string, limit int) ([]*store.TimelineEvent, error) {
	return r.store.ListEvents(ctx, projectID, limit)
}
