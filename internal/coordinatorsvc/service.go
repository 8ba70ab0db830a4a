// Package coordinatorsvc implements the coordinator's RPC surface:
// agent register/heartbeat, task claim/complete, and the operator-facing
// status/cleanup endpoints, exactly spec.md §4.3 and §6.
package coordinatorsvc

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/reaper"
	"github.com/itskum47/swarmctl/internal/resilience"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

// PhaseRechecker lets the service trigger a phase re-evaluation after a
// completion or dependency-block without importing internal/phase
// directly, the same decoupling internal/reaper uses.
type PhaseRechecker interface {
	Recheck(ctx context.Context, projectID string) error
}

// Config carries the operator-tunable timeouts and limits relevant to
// this service; the rest of the configuration surface (git, quality
// gates, agent assignment) belongs to internal/merge and internal/agentrt.
type Config struct {
	TaskLockTTL         time.Duration
	MergeQueueThreshold int // circuit breaker opens above this depth
	HeartbeatRateLimit  rate.Limit
	HeartbeatBurst      int
	ClaimRateLimit      rate.Limit
	ClaimBurst          int
}

func DefaultConfig() Config {
	return Config{
		TaskLockTTL:         5 * time.Minute,
		MergeQueueThreshold: 50,
		HeartbeatRateLimit:  rate.Limit(100),
		HeartbeatBurst:      200,
		ClaimRateLimit:      rate.Limit(20),
		ClaimBurst:          40,
	}
}

// Service implements the coordinator's business logic; HTTP wiring lives
// in handlers.go so this type stays transport-agnostic and unit-testable.
type Service struct {
	store       store.Store
	coordinator store.Coordinator
	notifier    *notify.Notifier
	recorder    *timeline.Recorder
	reaper      *reaper.Reaper

	phaseScheduler PhaseRechecker
	admission      *resilience.AdmissionGate
	circuitBreaker *CircuitBreaker

	taskLockTTL time.Duration

	heartbeatLimiter *rate.Limiter
	claimLimiter     *rate.Limiter
}

func NewService(s store.Store, c store.Coordinator, n *notify.Notifier, r *timeline.Recorder, rp *reaper.Reaper, ps PhaseRechecker, cfg Config) *Service {
	return &Service{
		store:            s,
		coordinator:      c,
		notifier:         n,
		recorder:         r,
		reaper:           rp,
		phaseScheduler:   ps,
		admission:        resilience.NewAdmissionGate(),
		circuitBreaker:   NewCircuitBreaker(cfg.MergeQueueThreshold),
		taskLockTTL:      cfg.TaskLockTTL,
		heartbeatLimiter: rate.NewLimiter(cfg.HeartbeatRateLimit, cfg.HeartbeatBurst),
		claimLimiter:     rate.NewLimiter(cfg.ClaimRateLimit, cfg.ClaimBurst),
	}
}

// Admission exposes the gate so the operator-facing handler can flip it.
func (s *Service) Admission() *resilience.AdmissionGate { return s.admission }

// CircuitBreaker exposes the breaker so the dashboard can read its state
// without the service needing to know anything about dashboards.
func (s *Service) CircuitBreaker() *CircuitBreaker { return s.circuitBreaker }
