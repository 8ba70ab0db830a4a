package agentrt

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// notificationPollInterval governs the background subscriber's drain
// cadence — spec.md §4.6.2 only requires draining pending events and
// reacting to new ones, not a specific cadence.
const notificationPollInterval = 5 * time.Second

// fixTrigger carries one tests_failed/conflict_detected notification for
// a task this runtime still owns, queued for the claim loop to service
// ahead of claiming new work.
type fixTrigger struct {
	owned     ownedTask
	eventKind string
	eventData map[string]string
}

// Runtime is a single long-lived agent process owning exactly one logical
// agent id, generalized from the teacher's package-level main/heartbeat/
// executor functions into one struct so Run can be exercised by tests
// without spinning up a real process. See spec.md §4.6.
type Runtime struct {
	cfg    Config
	client *client
	git    *gitRunner

	mu         sync.Mutex
	ownedTasks map[string]ownedTask

	fixTriggers chan fixTrigger
}

func New(cfg Config) *Runtime {
	return &Runtime{
		cfg:         cfg,
		client:      newClient(cfg),
		git:         newGitRunner(cfg.WorkspaceDir),
		ownedTasks:  make(map[string]ownedTask),
		fixTriggers: make(chan fixTrigger, 16),
	}
}

// Run registers the agent, starts its background heartbeat and
// notification subscriber, then loops claiming and executing tasks until
// ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	agentID, err := r.client.register()
	if err != nil {
		return err
	}
	r.cfg.AgentID = agentID
	r.client.cfg.AgentID = agentID
	log.Printf("agentrt: registered as %s", agentID)

	go r.heartbeatLoop(ctx)
	go r.notificationLoop(ctx)

	// drain anything published while this agent id was offline, spec.md
	// §4.6.2's "also drain any pending events from the per-agent queue on
	// startup".
	r.drainAndDispatch(ctx)

	r.claimLoop(ctx)
	return ctx.Err()
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.heartbeat(); err != nil {
				log.Printf("agentrt: heartbeat failed: %v", err)
			}
		}
	}
}

func (r *Runtime) notificationLoop(ctx context.Context) {
	ticker := time.NewTicker(notificationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainAndDispatch(ctx)
		}
	}
}

func (r *Runtime) drainAndDispatch(ctx context.Context) {
	notifications, err := r.client.drainNotifications()
	if err != nil {
		log.Printf("agentrt: drain notifications failed: %v", err)
		return
	}
	for _, n := range notifications {
		r.dispatchNotification(n)
	}
}

func (r *Runtime) dispatchNotification(n *store.Notification) {
	switch n.EventKind {
	case store.EventMergeSuccess, store.EventMergeFailed:
		// terminal for this task — stop remembering its branch.
		r.clearOwnedTask(n.TaskID)
		return
	case store.EventTestsFailed, store.EventConflictDetected:
	default:
		return
	}

	r.mu.Lock()
	owned, ok := r.ownedTasks[n.TaskID]
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case r.fixTriggers <- fixTrigger{owned: owned, eventKind: n.EventKind, eventData: n.Data}:
	default:
		log.Printf("agentrt: fix trigger queue full, dropping notification for task %s", n.TaskID)
	}
}

// claimLoop services any queued fix triggers before claiming new work —
// both compete for the same single workspace, so they can never run
// concurrently.
func (r *Runtime) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case trigger := <-r.fixTriggers:
			r.runFixLoop(ctx, trigger.owned, trigger.eventKind, trigger.eventData)
			continue
		default:
		}

		task, err := r.client.claim()
		if err != nil {
			if errors.Is(err, errNoTasksAvailable) {
				r.sleep(ctx, r.cfg.ClaimWait)
				continue
			}
			log.Printf("agentrt: claim failed: %v", err)
			r.sleep(ctx, r.cfg.ClaimWait)
			continue
		}

		r.runTask(ctx, task)
	}
}

func (r *Runtime) runTask(ctx context.Context, task *store.Task) {
	outcome := r.executeTask(ctx, task)

	if !outcome.Success {
		log.Printf("agentrt: task %s failed: %s", task.ID, outcome.Reason)
		if err := r.client.complete(task.ID, "failure", outcome.Branch, ""); err != nil {
			log.Printf("agentrt: failed to report failure for task %s: %v", task.ID, err)
		}
		return
	}

	if err := r.client.complete(task.ID, "success", outcome.Branch, outcome.PRHandle); err != nil {
		log.Printf("agentrt: failed to report success for task %s: %v", task.ID, err)
		return
	}

	r.mu.Lock()
	r.ownedTasks[task.ID] = ownedTask{Task: task, Branch: outcome.Branch}
	r.mu.Unlock()
}

func (r *Runtime) clearOwnedTask(taskID string) {
	r.mu.Lock()
	delete(r.ownedTasks, taskID)
	r.mu.Unlock()
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
