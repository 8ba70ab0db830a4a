package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the fast/ephemeral backend: claim locks, the merge FIFO,
// per-agent notification pub/sub and pending lists, and the durable epoch
// counter consumed by leader election. It also implements the full Store
// interface so a single-Redis deployment (no Postgres) remains usable, the
// way the teacher's RedisStore doubles as a fallback system of record.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic operations, avoiding a script
	// text round-trip on every call.
	casStatusSHA string
	claimSHA     string
	publishSHA   string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	casStatusSHA, err := client.ScriptLoad(ctx, casStatusScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload cas-status script: " + err.Error())
	}
	claimSHA, err := client.ScriptLoad(ctx, claimScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload claim script: " + err.Error())
	}
	publishSHA, err := client.ScriptLoad(ctx, publishScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload publish script: " + err.Error())
	}

	return &RedisStore{
		client:       client,
		casStatusSHA: casStatusSHA,
		claimSHA:     claimSHA,
		publishSHA:   publishSHA,
	}, nil
}

// --- Claim lock primitives (SET NX + Lua-scripted renew/release) ---

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// renewScript returns diagnostic codes: 1 success, -1 key missing, -2 owner mismatch.
const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, renewScript, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from renew script")
	}
	return val == 1, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	_, err := s.client.Eval(ctx, releaseScript, []string{key}, ownerID).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// --- Lease (leader election reuses the lock primitive under a distinct name) ---

func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

// --- Durable epoch ---

func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	return s.client.Incr(ctx, resourceID+":epoch").Result()
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	val, err := s.client.Get(ctx, resourceID+":epoch").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Agent CRUD ---

func (s *RedisStore) UpsertAgent(ctx context.Context, projectID string, agent *Agent) error {
	agent.ProjectID = projectID
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	return s.client.Set(ctx, ProjectKey(projectID, ResourceAgent, agent.ID), data, 0).Err()
}

func (s *RedisStore) GetAgent(ctx context.Context, projectID string, agentID string) (*Agent, error) {
	data, err := s.client.Get(ctx, ProjectKey(projectID, ResourceAgent, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) ListAgents(ctx context.Context, projectID string) ([]*Agent, error) {
	match := ProjectPrefix(projectID, ResourceAgent) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var agents []*Agent
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err == nil {
			agents = append(agents, &a)
		}
	}
	return agents, iter.Err()
}

func (s *RedisStore) UpdateAgentHeartbeat(ctx context.Context, projectID string, agentID string, t time.Time) error {
	a, err := s.GetAgent(ctx, projectID, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	a.LastHeartbeat = t
	return s.UpsertAgent(ctx, projectID, a)
}

func (s *RedisStore) UpdateAgentState(ctx context.Context, projectID string, agentID string, state string, currentTask string) error {
	a, err := s.GetAgent(ctx, projectID, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	a.State = state
	a.CurrentTask = currentTask
	return s.UpsertAgent(ctx, projectID, a)
}

// --- Task CRUD ---

func (s *RedisStore) CreateTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.client.Set(ctx, ProjectKey(task.ProjectID, ResourceTask, task.ID), data, 0).Err()
}

func (s *RedisStore) GetTask(ctx context.Context, projectID string, taskID string) (*Task, error) {
	data, err := s.client.Get(ctx, ProjectKey(projectID, ResourceTask, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	match := ProjectPrefix(projectID, ResourceTask) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var tasks []*Task
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err == nil {
			tasks = append(tasks, &t)
		}
	}
	return tasks, iter.Err()
}

func (s *RedisStore) ListTasksByIDs(ctx context.Context, projectID string, ids []string) ([]*Task, error) {
	result := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, projectID, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			result = append(result, t)
		}
	}
	return result, nil
}

// claimScript atomically transitions a pending task to in_progress iff its
// stored version matches expectedVersion, mirroring the teacher's
// HMSET-if-version-matches CAS pattern but over a whole-task JSON blob.
// Returns 1 on success, 0 on version/status mismatch.
const claimScript = `
local raw = redis.call("get", KEYS[1])
if not raw then
	return 0
end
local task = cjson.decode(raw)
if task.version ~= tonumber(ARGV[1]) or task.status ~= "pending" then
	return 0
end
task.status = "in_progress"
task.assigned_agent = ARGV[2]
task.claimed_at = ARGV[3]
task.version = task.version + 1
redis.call("set", KEYS[1], cjson.encode(task))
return 1
`

func (s *RedisStore) ClaimTask(ctx context.Context, projectID string, taskID string, agentID string, expectedVersion int, now time.Time) (bool, error) {
	res, err := s.client.EvalSha(ctx, s.claimSHA, []string{ProjectKey(projectID, ResourceTask, taskID)},
		expectedVersion, agentID, now.Format(time.RFC3339Nano)).Result()
	if err != nil {
		if isNoScript(err) {
			if _, rerr := s.client.ScriptLoad(ctx, claimScript).Result(); rerr == nil {
				return s.ClaimTask(ctx, projectID, taskID, agentID, expectedVersion, now)
			}
		}
		return false, err
	}
	code, _ := res.(int64)
	return code == 1, nil
}

// casStatusScript is the general-purpose CAS used for every other status
// transition: it replaces the whole stored JSON if the version still
// matches, letting Go-side mutate() fill in status-specific fields before
// the write, since Lua cannot express the many mutate() shapes directly.
const casStatusScript = `
local raw = redis.call("get", KEYS[1])
if not raw then
	return 0
end
local task = cjson.decode(raw)
if tonumber(ARGV[1]) >= 0 and task.version ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("set", KEYS[1], ARGV[2])
return 1
`

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, projectID string, taskID string, status string, expectedVersion int, mutate func(*Task)) error {
	key := ProjectKey(projectID, ResourceTask, taskID)
	t, err := s.GetTask(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.Status = status
	if mutate != nil {
		mutate(t)
	}
	t.Version++
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	res, err := s.client.EvalSha(ctx, s.casStatusSHA, []string{key}, expectedVersion, string(data)).Result()
	if err != nil {
		if isNoScript(err) {
			if _, rerr := s.client.ScriptLoad(ctx, casStatusScript).Result(); rerr == nil {
				return s.UpdateTaskStatus(ctx, projectID, taskID, status, expectedVersion, mutate)
			}
		}
		return err
	}
	if code, _ := res.(int64); code != 1 {
		return errors.New("optimistic lock failure: task version changed")
	}
	return nil
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// --- Phase CRUD ---

func phaseRedisKey(projectID string, index int) string {
	return fmt.Sprintf("swarmctl:projects:%s:phases:%d", projectID, index)
}

func (s *RedisStore) CreatePhase(ctx context.Context, phase *Phase) error {
	data, err := json.Marshal(phase)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, phaseRedisKey(phase.ProjectID, phase.Index), data, 0).Err()
}

func (s *RedisStore) GetPhase(ctx context.Context, projectID string, index int) (*Phase, error) {
	data, err := s.client.Get(ctx, phaseRedisKey(projectID, index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Phase
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) ListPhases(ctx context.Context, projectID string) ([]*Phase, error) {
	match := fmt.Sprintf("swarmctl:projects:%s:phases:*", projectID)
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var phases []*Phase
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var p Phase
		if err := json.Unmarshal(data, &p); err == nil {
			phases = append(phases, &p)
		}
	}
	return phases, iter.Err()
}

func (s *RedisStore) GetActivePhase(ctx context.Context, projectID string) (*Phase, error) {
	phases, err := s.ListPhases(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, p := range phases {
		if p.Status == PhaseActive {
			return p, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) UpdatePhaseStatus(ctx context.Context, projectID string, index int, status string, at time.Time) error {
	p, err := s.GetPhase(ctx, projectID, index)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("phase not found: %d", index)
	}
	p.Status = status
	switch status {
	case PhaseActive:
		p.StartedAt = &at
	case PhaseCompleted:
		p.CompletedAt = &at
	}
	return s.CreatePhase(ctx, p)
}

func (s *RedisStore) SetBacklogComplete(ctx context.Context, projectID string) error {
	return s.client.Set(ctx, BacklogCompleteKey(projectID), "1", 0).Err()
}

func (s *RedisStore) IsBacklogComplete(ctx context.Context, projectID string) (bool, error) {
	val, err := s.client.Get(ctx, BacklogCompleteKey(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// --- Audit timeline ---

func timelineKey(projectID string) string {
	return fmt.Sprintf("swarmctl:projects:%s:timeline", projectID)
}

func (s *RedisStore) RecordEvent(ctx context.Context, event *TimelineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, timelineKey(event.ProjectID), data).Err()
}

func (s *RedisStore) ListEvents(ctx context.Context, projectID string, limit int) ([]*TimelineEvent, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, timelineKey(projectID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]*TimelineEvent, 0, len(raw))
	for _, r := range raw {
		var e TimelineEvent
		if err := json.Unmarshal([]byte(r), &e); err == nil {
			events = append(events, &e)
		}
	}
	return events, nil
}

func (s *RedisStore) ListEventsByTask(ctx context.Context, projectID string, taskID string) ([]*TimelineEvent, error) {
	all, err := s.ListEvents(ctx, projectID, 0)
	if err != nil {
		return nil, err
	}
	var result []*TimelineEvent
	for _, e := range all {
		if e.TaskID == taskID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Merge FIFO (RPUSH / BLPOP) ---

func (s *RedisStore) EnqueueMerge(ctx context.Context, req *MergeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, MergeQueueKey(req.ProjectID), data).Err()
}

func (s *RedisStore) DequeueMerge(ctx context.Context, projectID string, timeout time.Duration) (*MergeRequest, error) {
	res, err := s.client.BLPop(ctx, timeout, MergeQueueKey(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // timeout, no request ready
	}
	if err != nil {
		return nil, err
	}
	// res[0] is the key name, res[1] is the value.
	var req MergeRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) MergeQueueDepth(ctx context.Context, projectID string) (int64, error) {
	return s.client.LLen(ctx, MergeQueueKey(projectID)).Result()
}

// --- Notification bus: publish-and-push as one logical operation ---

// publishScript appends to the durable pending list and publishes on the
// live channel atomically, so a notification is never pushed without also
// being queued for late subscribers (or vice versa).
const publishScript = `
redis.call("rpush", KEYS[1], ARGV[1])
redis.call("ltrim", KEYS[1], -200, -1)
redis.call("publish", KEYS[2], ARGV[1])
return 1
`

func (s *RedisStore) PublishNotification(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	pendingKey := NotificationPendingKey(n.ProjectID, n.AgentID)
	channel := NotificationChannel(n.ProjectID, n.AgentID)
	_, err = s.client.EvalSha(ctx, s.publishSHA, []string{pendingKey, channel}, string(data)).Result()
	if isNoScript(err) {
		if _, rerr := s.client.ScriptLoad(ctx, publishScript).Result(); rerr == nil {
			_, err = s.client.EvalSha(ctx, s.publishSHA, []string{pendingKey, channel}, string(data)).Result()
		}
	}
	return err
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan *Notification
	cancel context.CancelFunc
}

func (r *redisSubscription) Channel() <-chan *Notification { return r.ch }

func (r *redisSubscription) Close() error {
	r.cancel()
	return r.pubsub.Close()
}

func (s *RedisStore) Subscribe(ctx context.Context, projectID string, agentID string) Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, NotificationChannel(projectID, agentID))
	out := make(chan *Notification, 16)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err == nil {
					select {
					case out <- &n:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out, cancel: cancel}
}

func (s *RedisStore) DrainPending(ctx context.Context, projectID string, agentID string) ([]*Notification, error) {
	raw, err := s.client.LRange(ctx, NotificationPendingKey(projectID, agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Notification, 0, len(raw))
	for _, r := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(r), &n); err == nil {
			result = append(result, &n)
		}
	}
	return result, nil
}

func (s *RedisStore) TrimPending(ctx context.Context, projectID string, agentID string, n int) error {
	return s.client.LTrim(ctx, NotificationPendingKey(projectID, agentID), int64(n), -1).Err()
}

// --- Idempotency ---

func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, "idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "idempotency:"+key, value, ttl).Result()
}
