package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// LockJanitor periodically sweeps claim and leader locks, force-releasing
// anything fenced by a newer epoch or expired past its TTL. This is a
// backstop against a coordinator crashing between claim-lock acquire and
// task-status write: the reaper (internal/reaper) handles the task-level
// reclaim, this handles the lock-level leak.
type LockJanitor struct {
	coordinator store.Coordinator
	store       store.Store
	interval    time.Duration
}

func NewLockJanitor(c store.Coordinator, s store.Store, interval time.Duration) *LockJanitor {
	return &LockJanitor{coordinator: c, store: s, interval: interval}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	currentEpoch, err := j.store.GetDurableEpoch(ctx, epochResource)
	if err != nil {
		log.Printf("janitor: failed to get durable epoch: %v", err)
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, "swarmctl:lock:*")
	if err != nil {
		log.Printf("janitor: scan failed: %v", err)
		return
	}

	for _, key := range keys {
		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			// Not every lock under swarmctl:lock:* is leader-election
			// metadata (claim locks just store the agent id) — only
			// inspect ones that parse.
			continue
		}

		if meta.Epoch != 0 && meta.Epoch < currentEpoch {
			log.Printf("janitor: fencing lock %s (epoch %d < current %d), force releasing", key, meta.Epoch, currentEpoch)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("janitor: failed to release fenced lock %s: %v", key, err)
			}
			continue
		}

		if !meta.ExpiresAt.IsZero() && time.Now().After(meta.ExpiresAt.Add(5*time.Second)) {
			log.Printf("janitor: found stale lock %s (expired at %s), force releasing", key, meta.ExpiresAt)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("janitor: failed to release stale lock %s: %v", key, err)
			}
		}
	}
}
