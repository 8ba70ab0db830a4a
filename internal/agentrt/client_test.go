package agentrt

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itskum47/swarmctl/internal/store"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := newClient(Config{AgentID: "agent-1", ProjectID: "proj1", CoordinatorURL: srv.URL, BearerToken: "tok"})
	return c, srv
}

func TestRegisterReturnsAssignedAgentID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/register" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("expected bearer token header, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]string{"agent_id": "agent-1"})
	})

	id, err := c.register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != "agent-1" {
		t.Fatalf("expected agent-1, got %s", id)
	}
}

func TestClaimNoTasksAvailableReturnsSentinel(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "no_tasks_available"})
	})

	_, err := c.claim()
	if err != errNoTasksAvailable {
		t.Fatalf("expected errNoTasksAvailable, got %v", err)
	}
}

func TestClaimDecodesTask(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(store.Task{ID: "t1", Title: "do thing", Kind: store.KindDevelopment})
	})

	task, err := c.claim()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.ID != "t1" || task.Kind != store.KindDevelopment {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestCompleteSendsIdempotencyKey(t *testing.T) {
	var seenKey string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("X-Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	})

	if err := c.complete("t1", "success", "agent-1/task-t1", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if seenKey == "" {
		t.Fatalf("expected an idempotency key to be sent")
	}
}

func TestResubmitSendsFixedOutcome(t *testing.T) {
	var seenOutcome string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		seenOutcome = body["outcome"]
		w.WriteHeader(http.StatusOK)
	})

	if err := c.resubmit("t1", "agent-1/task-t1", ""); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if seenOutcome != "fixed" {
		t.Fatalf("expected outcome fixed, got %q", seenOutcome)
	}
}

func TestAbandonSendsAbandonedOutcome(t *testing.T) {
	var seenOutcome string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		seenOutcome = body["outcome"]
		w.WriteHeader(http.StatusOK)
	})

	if err := c.abandon("t1", "agent-1/task-t1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if seenOutcome != "abandoned" {
		t.Fatalf("expected outcome abandoned, got %q", seenOutcome)
	}
}

func TestDrainNotificationsDecodesList(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*store.Notification{
			{TaskID: "t1", EventKind: store.EventTestsFailed},
		})
	})

	notifications, err := c.drainNotifications()
	if err != nil {
		t.Fatalf("drainNotifications: %v", err)
	}
	if len(notifications) != 1 || notifications[0].EventKind != store.EventTestsFailed {
		t.Fatalf("unexpected notifications: %+v", notifications)
	}
}
