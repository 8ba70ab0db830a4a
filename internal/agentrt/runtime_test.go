package agentrt

import (
	"testing"

	"github.com/itskum47/swarmctl/internal/store"
)

func newTestRuntime() *Runtime {
	return New(Config{AgentID: "agent-1", ProjectID: "proj1", CoordinatorURL: "http://unused", FixMaxIterations: 3})
}

func TestDispatchNotificationIgnoresUnownedTask(t *testing.T) {
	r := newTestRuntime()
	r.dispatchNotification(&store.Notification{TaskID: "t1", EventKind: store.EventTestsFailed})

	select {
	case trigger := <-r.fixTriggers:
		t.Fatalf("expected no fix trigger for an unowned task, got %+v", trigger)
	default:
	}
}

func TestDispatchNotificationQueuesFixTriggerForOwnedTask(t *testing.T) {
	r := newTestRuntime()
	r.ownedTasks["t1"] = ownedTask{Task: &store.Task{ID: "t1"}, Branch: "agent-1/task-t1"}

	r.dispatchNotification(&store.Notification{TaskID: "t1", EventKind: store.EventConflictDetected, Data: map[string]string{"output": "CONFLICT"}})

	select {
	case trigger := <-r.fixTriggers:
		if trigger.eventKind != store.EventConflictDetected {
			t.Fatalf("expected conflict_detected, got %s", trigger.eventKind)
		}
		if trigger.owned.Branch != "agent-1/task-t1" {
			t.Fatalf("unexpected branch in trigger: %s", trigger.owned.Branch)
		}
	default:
		t.Fatalf("expected a fix trigger to be queued")
	}
}

func TestDispatchNotificationMergeSuccessClearsOwnedTask(t *testing.T) {
	r := newTestRuntime()
	r.ownedTasks["t1"] = ownedTask{Task: &store.Task{ID: "t1"}, Branch: "agent-1/task-t1"}

	r.dispatchNotification(&store.Notification{TaskID: "t1", EventKind: store.EventMergeSuccess})

	r.mu.Lock()
	_, stillOwned := r.ownedTasks["t1"]
	r.mu.Unlock()
	if stillOwned {
		t.Fatalf("expected merge_success to clear the owned task entry")
	}
}

func TestDispatchNotificationIgnoresIrrelevantEventKinds(t *testing.T) {
	r := newTestRuntime()
	r.ownedTasks["t1"] = ownedTask{Task: &store.Task{ID: "t1"}, Branch: "agent-1/task-t1"}

	r.dispatchNotification(&store.Notification{TaskID: "t1", EventKind: "some_other_event"})

	select {
	case trigger := <-r.fixTriggers:
		t.Fatalf("expected no fix trigger for an irrelevant event kind, got %+v", trigger)
	default:
	}
}
