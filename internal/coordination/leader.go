package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/store"
)

// lockKey is the single global leader-election lock. Only the elected
// coordinator replica runs the merge worker and phase scheduler — both
// must never run twice concurrently (spec §5).
const lockKey = "swarmctl:lock:leader"

const epochResource = "leader_election"

// LockMetadata is the value stored under lockKey, carrying the fencing
// epoch so a stale leader's writes can be detected and dropped downstream.
type LockMetadata struct {
	OwnerPod  string    `json:"owner_pod"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type fencingKeyType string

const fencingEpochKey fencingKeyType = "fencing_epoch"

// FencedContext returns a context carrying epoch so downstream long-running
// work (merge worker, phase scheduler) can detect a leadership change
// mid-operation.
func FencedContext(ctx context.Context, epoch int64) context.Context {
	return context.WithValue(ctx, fencingEpochKey, epoch)
}

// GetEpochFromContext retrieves the fencing epoch injected by
// FencedContext.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(fencingEpochKey).(int64)
	return v, ok
}

// LeaderState is a snapshot of the elector's current view, used by the
// status endpoint.
type LeaderState struct {
	IsLeader   bool
	CurrentEpoch int64
	Transitions  int
	NodeID       string
}

// LeaderElector runs a lease-renewal loop against the Coordinator, backed
// by a durable, Postgres-incremented fencing epoch so a resumed or
// recovered leader never reuses an epoch a previous leader already held.
type LeaderElector struct {
	coordinator store.Coordinator
	store       store.Store
	nodeID      string
	ttl         time.Duration

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	transitions  int

	onElected func(ctx context.Context)
	onLost    func()

	ctx    context.Context
	cancel context.CancelFunc

	stepDownTime time.Time
}

func NewLeaderElector(c store.Coordinator, s store.Store, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		store:       s,
		nodeID:      nodeID,
		ttl:         ttl,
	}
}

// SetCallbacks registers the elected/lost hooks. onElected receives a
// fenced, cancellable context valid only for the duration of this term.
func (e *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

func (e *LeaderElector) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(e.ctx)
}

func (e *LeaderElector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.release()
}

func (e *LeaderElector) loop(ctx context.Context) {
	interval := e.ttl / 3
	minInterval := e.ttl / 3
	maxInterval := e.ttl * 10
	failures := 0
	const maxRenewFailures = 3

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		if e.IsLeader() {
			err = e.renew(ctx)
		} else {
			err = e.acquire(ctx)
		}

		if err != nil {
			failures++
			if failures >= maxRenewFailures && e.IsLeader() {
				log.Printf("coordination: %d consecutive renew failures, stepping down: %v", failures, err)
				e.stepDown()
			}
			interval = interval * 2
			if interval > maxInterval {
				interval = maxInterval
			}
		} else {
			failures = 0
			interval = e.ttl / 3
			if interval < minInterval {
				interval = minInterval
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *LeaderElector) acquire(ctx context.Context) error {
	newEpoch, err := e.store.IncrementDurableEpoch(ctx, epochResource)
	if err != nil {
		return err
	}

	e.mu.RLock()
	prevEpoch := e.currentEpoch
	e.mu.RUnlock()
	if prevEpoch != 0 && newEpoch > prevEpoch+1 {
		log.Printf("coordination: ALERT epoch drift detected, jumped from %d to %d", prevEpoch, newEpoch)
	}

	now := time.Now()
	meta := LockMetadata{
		OwnerPod:  e.nodeID,
		Epoch:     newEpoch,
		ReqID:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	ok, err := e.coordinator.AcquireLease(ctx, lockKey, string(data), e.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.currentValue = string(data)
	e.currentEpoch = newEpoch
	e.mu.Unlock()

	e.becomeLeader(newEpoch)
	return nil
}

func (e *LeaderElector) renew(ctx context.Context) error {
	e.mu.RLock()
	value := e.currentValue
	e.mu.RUnlock()

	ok, err := e.coordinator.RenewLease(ctx, lockKey, value, e.ttl)
	if err != nil {
		return err
	}
	if !ok {
		e.stepDown()
		return nil
	}
	return nil
}

func (e *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e.mu.RLock()
	value := e.currentValue
	e.mu.RUnlock()
	if value == "" {
		return
	}
	if err := e.coordinator.ReleaseLease(ctx, lockKey, value); err != nil {
		log.Printf("coordination: failed to release leader lease: %v", err)
	}
}

func (e *LeaderElector) becomeLeader(epoch int64) {
	e.mu.Lock()
	e.isLeader = true
	e.transitions++
	e.leaderCtx, e.leaderCancel = context.WithCancel(FencedContext(e.ctx, epoch))
	e.mu.Unlock()

	observability.LeaderEpoch.WithLabelValues(e.nodeID).Set(float64(epoch))
	observability.LeaderTransitions.WithLabelValues(e.nodeID, "elected").Inc()

	if !e.stepDownTime.IsZero() {
		observability.LeaderTransitionDuration.Observe(time.Since(e.stepDownTime).Seconds())
	}

	if e.onElected != nil {
		leaderCtx := e.leaderCtx
		go e.onElected(leaderCtx)
	}
}

func (e *LeaderElector) stepDown() {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.stepDownTime = time.Now()
	cancel := e.leaderCancel
	e.mu.Unlock()

	if !wasLeader {
		return
	}

	observability.LeaderTransitions.WithLabelValues(e.nodeID, "lost").Inc()

	if cancel != nil {
		cancel()
	}
	if e.onLost != nil {
		e.onLost()
	}
}

func (e *LeaderElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *LeaderElector) GetState() LeaderState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return LeaderState{
		IsLeader:     e.isLeader,
		CurrentEpoch: e.currentEpoch,
		Transitions:  e.transitions,
		NodeID:       e.nodeID,
	}
}
