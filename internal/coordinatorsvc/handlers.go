package coordinatorsvc

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/swarmctl/internal/auth"
	"github.com/itskum47/swarmctl/internal/idempotency"
	"github.com/itskum47/swarmctl/internal/middleware"
	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/resilience"
	"github.com/itskum47/swarmctl/internal/store"
)

// writeError maps the resilience error taxonomy onto the status codes
// spec.md §6 enumerates: 404 unknown agent/task, 409 lock/claim conflict,
// 422 precondition violation, 503 transient state-store failure.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case err == resilience.ErrUnknownAgent, err == resilience.ErrUnknownTask:
		http.Error(w, err.Error(), http.StatusNotFound)
	case err == resilience.ErrClaimConflict, err == resilience.ErrWrongAgent:
		http.Error(w, err.Error(), http.StatusConflict)
	case err == resilience.ErrPrecondition, err == resilience.ErrValidation:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRateLimitError mirrors the teacher's jittered Retry-After response
// for storm protection, adapted off the teacher's heartbeat/reconcile
// limiters onto heartbeat/claim.
func writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	retryAfterMs := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterMs/1000))
	http.Error(w, "Too Many Requests (storm protection active)", http.StatusTooManyRequests)
}

type registerRequest struct {
	PreferredID  string            `json:"preferred_id"`
	Capabilities map[string]string `json:"capabilities"`
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agentID := req.PreferredID
	if agentID == "" {
		agentID = uuid.NewString()
	} else if existing, err := s.store.GetAgent(r.Context(), projectID, agentID); err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	} else if existing != nil {
		http.Error(w, fmt.Sprintf("agent id %s already registered", agentID), http.StatusConflict)
		return
	}

	now := time.Now()
	agent := &store.Agent{
		ID:            agentID,
		ProjectID:     projectID,
		State:         store.AgentIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := s.store.UpsertAgent(r.Context(), projectID, agent); err != nil {
		log.Printf("coordinatorsvc: register failed for %s: %v", agentID, err)
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{AgentID: agentID})
}

type heartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.heartbeatLimiter.Allow() {
		writeRateLimitError(w, "heartbeat")
		return
	}

	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	agent, err := s.store.GetAgent(r.Context(), projectID, req.AgentID)
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}
	if agent == nil {
		writeError(w, resilience.ErrUnknownAgent)
		return
	}

	if err := s.store.UpdateAgentHeartbeat(r.Context(), projectID, req.AgentID, time.Now()); err != nil {
		log.Printf("coordinatorsvc: heartbeat update failed for %s: %v", req.AgentID, err)
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.claimLimiter.Allow() {
		writeRateLimitError(w, "claim")
		return
	}

	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	task, err := s.Claim(r.Context(), projectID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_tasks_available"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	AgentID  string `json:"agent_id"`
	TaskID   string `json:"task_id"`
	Outcome  string `json:"outcome"`
	Branch   string `json:"branch"`
	PRHandle string `json:"pr_handle"`
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.TaskID == "" {
		http.Error(w, "agent_id and task_id are required", http.StatusBadRequest)
		return
	}

	err = s.Complete(r.Context(), projectID, CompleteRequest{
		AgentID:  req.AgentID,
		TaskID:   req.TaskID,
		Outcome:  req.Outcome,
		Branch:   req.Branch,
		PRHandle: req.PRHandle,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resubmitRequest struct {
	AgentID  string `json:"agent_id"`
	TaskID   string `json:"task_id"`
	Branch   string `json:"branch"`
	PRHandle string `json:"pr_handle"`
	Outcome  string `json:"outcome"`
}

func (s *Service) handleResubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req resubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.TaskID == "" {
		http.Error(w, "agent_id and task_id are required", http.StatusBadRequest)
		return
	}

	err = s.Resubmit(r.Context(), projectID, ResubmitRequest{
		AgentID:  req.AgentID,
		TaskID:   req.TaskID,
		Branch:   req.Branch,
		PRHandle: req.PRHandle,
		Outcome:  req.Outcome,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNotifications drains an agent's pending notification queue.
// Polled by the agent runtime's background subscriber in place of a
// persistent server-push channel, since the wire surface is plain
// request/response HTTP exactly like the teacher's agent-coordinator
// protocol.
func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	notifications, err := s.notifier.Drain(r.Context(), projectID, agentID)
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

type statusResponse struct {
	ActivePhase     int            `json:"active_phase"`
	BacklogComplete bool           `json:"backlog_complete"`
	TaskCounts      map[string]int `json:"task_counts"`
	Agents          []*store.Agent `json:"agents"`
	MergeQueueDepth int64          `json:"merge_queue_depth"`
	AdmissionMode   string         `json:"admission_mode"`
	CircuitState    string         `json:"circuit_state"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), projectID)
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	agents, err := s.store.ListAgents(r.Context(), projectID)
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	complete, err := s.store.IsBacklogComplete(r.Context(), projectID)
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	activePhaseIndex := 0
	if active, err := s.store.GetActivePhase(r.Context(), projectID); err == nil && active != nil {
		activePhaseIndex = active.Index
	}

	depth, err := s.coordinator.MergeQueueDepth(r.Context(), projectID)
	if err != nil {
		depth = -1
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ActivePhase:     activePhaseIndex,
		BacklogComplete: complete,
		TaskCounts:      counts,
		Agents:          agents,
		MergeQueueDepth: depth,
		AdmissionMode:   s.admission.Mode().String(),
		CircuitState:    s.circuitBreaker.GetState().String(),
	})
}

type cleanupResponse struct {
	ResetCount int `json:"reset_count"`
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.reaper == nil {
		writeJSON(w, http.StatusOK, cleanupResponse{ResetCount: 0})
		return
	}

	n, err := s.reaper.SweepNow(r.Context(), projectID)
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{ResetCount: n})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Router assembles the full coordinator wire surface, wrapping every
// project-scoped route as CORS → project-scoping → JWT auth →
// idempotency → storm-protection rate limiter → handler, exactly the
// order SPEC_FULL.md §4.3 specifies.
func (s *Service) Router(idem *idempotency.Store) http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.Handler {
		return middleware.ProjectMiddleware(middleware.AuthMiddleware(http.HandlerFunc(idem.Middleware(h))))
	}
	wrapOperator := func(h http.HandlerFunc) http.Handler {
		return middleware.ProjectMiddleware(middleware.AuthMiddleware(middleware.RequireRole(h, auth.RoleOperator)))
	}

	mux.Handle("/agent/register", wrap(s.handleRegister))
	mux.Handle("/agent/heartbeat", wrap(s.handleHeartbeat))
	mux.Handle("/task/claim", wrap(s.handleClaim))
	mux.Handle("/task/complete", wrap(s.handleComplete))
	mux.Handle("/task/resubmit", wrap(s.handleResubmit))
	mux.Handle("/agent/notifications", wrap(s.handleNotifications))
	mux.Handle("/status", wrapOperator(s.handleStatus))
	mux.Handle("/cleanup", wrapOperator(s.handleCleanup))
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.CORSMiddleware(mux)
}
