package notify

import (
	"context"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// Notifier publishes task/phase events to a single agent (or, via
// Broadcast, every agent the caller names), producing and enqueueing in
// one logical operation so a subscriber that reconnects mid-event still
// sees it via the pending list. Adapted from the teacher's
// streaming.Publisher/Subscriber interfaces, swapping the teacher's
// log-only LogPublisher for the Redis/Memory pub/sub Coordinator already
// provides.
type Notifier struct {
	coordinator store.Coordinator
}

func NewNotifier(c store.Coordinator) *Notifier {
	return &Notifier{coordinator: c}
}

// Notify publishes a single-agent event (conflict_detected, tests_failed,
// merge_failed, merge_success — spec §4.8).
func (n *Notifier) Notify(ctx context.Context, projectID, agentID, taskID, eventKind string, data map[string]string) error {
	return n.coordinator.PublishNotification(ctx, &store.Notification{
		AgentID:   agentID,
		TaskID:    taskID,
		ProjectID: projectID,
		EventKind: eventKind,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Broadcast publishes the same event to every agent in agentIDs — used by
// the phase scheduler to wake idle agents on phase activation and by
// backlog-complete, neither of which are addressed to one owning agent.
func (n *Notifier) Broadcast(ctx context.Context, projectID string, agentIDs []string, eventKind string, data map[string]string) error {
	for _, agentID := range agentIDs {
		if err := n.Notify(ctx, projectID, agentID, "", eventKind, data); err != nil {
			return err
		}
	}
	return nil
}

// Listen opens a live subscription for one agent. Callers should first
// drain pending events (Coordinator.DrainPending) to replay anything
// published while the agent was disconnected, then read Channel().
func (n *Notifier) Listen(ctx context.Context, projectID, agentID string) store.Subscription {
	return n.coordinator.Subscribe(ctx, projectID, agentID)
}

// Drain replays and clears notifications published while agentID was not
// actively listening.
func (n *Notifier) Drain(ctx context.Context, projectID, agentID string) ([]*store.Notification, error) {
	return n.coordinator.DrainPending(ctx, projectID, agentID)
}
