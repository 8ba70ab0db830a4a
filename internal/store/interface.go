package store

import (
	"context"
	"time"
)

// Store defines the durable system of record for tasks, phases, agents and
// the audit log. It abstracts over Postgres (durable) and Redis
// (ephemeral/fast), per spec §4.1.
type Store interface {
	// Agent operations
	UpsertAgent(ctx context.Context, projectID string, agent *Agent) error
	GetAgent(ctx context.Context, projectID string, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, projectID string, agentID string, t time.Time) error
	UpdateAgentState(ctx context.Context, projectID string, agentID string, state string, currentTask string) error

	// Task operations
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, projectID string, taskID string) (*Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*Task, error)
	ListTasksByIDs(ctx context.Context, projectID string, ids []string) ([]*Task, error)

	// ClaimTask atomically transitions a pending task to in_progress for the
	// given agent, provided expectedVersion still matches. Returns false
	// (no error) if the CAS lost the race to a concurrent claim.
	ClaimTask(ctx context.Context, projectID string, taskID string, agentID string, expectedVersion int, now time.Time) (bool, error)

	// UpdateTaskStatus performs an optimistic-concurrency status transition,
	// mirroring the teacher's CAS pattern. extra carries status-specific
	// fields (branch, pr_handle, blocked_reason, retry_count, merged_at...).
	UpdateTaskStatus(ctx context.Context, projectID string, taskID string, status string, expectedVersion int, mutate func(*Task)) error

	// Phase operations
	CreatePhase(ctx context.Context, phase *Phase) error
	GetPhase(ctx context.Context, projectID string, index int) (*Phase, error)
	ListPhases(ctx context.Context, projectID string) ([]*Phase, error)
	GetActivePhase(ctx context.Context, projectID string) (*Phase, error)
	UpdatePhaseStatus(ctx context.Context, projectID string, index int, status string, at time.Time) error

	SetBacklogComplete(ctx context.Context, projectID string) error
	IsBacklogComplete(ctx context.Context, projectID string) (bool, error)

	// Coordination: durable fencing epoch for leader election (Postgres in
	// production, so the counter survives a Redis flush).
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// Audit timeline
	RecordEvent(ctx context.Context, event *TimelineEvent) error
	ListEvents(ctx context.Context, projectID string, limit int) ([]*TimelineEvent, error)
	ListEventsByTask(ctx context.Context, projectID string, taskID string) ([]*TimelineEvent, error)
}

// Coordinator defines distributed locking, leases and the merge FIFO /
// notification primitives, backed by Redis (the ephemeral/fast substrate).
type Coordinator interface {
	// Claim lock: set-if-absent with TTL, exclusive per task.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string, ownerID string) error
	GetLockOwner(ctx context.Context, key string) (string, error)
	ScanLocks(ctx context.Context, pattern string) ([]string, error)

	// Lease: same primitive, used by leader election.
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string, value string) error
	IsLeaseOwner(ctx context.Context, key string, value string) (bool, error)

	// Merge FIFO
	EnqueueMerge(ctx context.Context, req *MergeRequest) error
	DequeueMerge(ctx context.Context, projectID string, timeout time.Duration) (*MergeRequest, error)
	MergeQueueDepth(ctx context.Context, projectID string) (int64, error)

	// Notification bus: publish-and-push in one logical operation, plus
	// pending-queue drain/trim for late subscribers.
	PublishNotification(ctx context.Context, n *Notification) error
	Subscribe(ctx context.Context, projectID string, agentID string) Subscription
	DrainPending(ctx context.Context, projectID string, agentID string) ([]*Notification, error)
	TrimPending(ctx context.Context, projectID string, agentID string, n int) error

	// Idempotency
	GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// Subscription is a live notification stream for one agent.
type Subscription interface {
	Channel() <-chan *Notification
	Close() error
}
