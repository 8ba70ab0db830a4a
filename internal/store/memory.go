package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is a single-process Store+Coordinator implementation for
// tests and single-node dev mode. It implements the same interfaces as
// RedisStore/PostgresStore so callers are backend-agnostic.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	agents map[string]*Agent
	phases map[string]*Phase
	events map[string][]*TimelineEvent
	epochs map[string]int64
	backlogComplete map[string]bool

	locksMu sync.Mutex
	locks   map[string]lockEntry

	queueMu sync.Mutex
	queues  map[string][]*MergeRequest
	queueCh map[string]chan struct{}

	notifyMu sync.Mutex
	pending  map[string][]*Notification
	subs     map[string][]chan *Notification

	idemMu sync.Mutex
	idem   map[string]string
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:           make(map[string]*Task),
		agents:          make(map[string]*Agent),
		phases:          make(map[string]*Phase),
		events:          make(map[string][]*TimelineEvent),
		epochs:          make(map[string]int64),
		backlogComplete: make(map[string]bool),
		locks:           make(map[string]lockEntry),
		queues:          make(map[string][]*MergeRequest),
		queueCh:         make(map[string]chan struct{}),
		pending:         make(map[string][]*Notification),
		subs:            make(map[string][]chan *Notification),
		idem:            make(map[string]string),
	}
}

// --- Agent operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, projectID string, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ProjectID = projectID
	key := ProjectKey(projectID, ResourceAgent, a.ID)
	cp := *a
	s.agents[key] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, projectID string, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[ProjectKey(projectID, ResourceAgent, agentID)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, projectID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := ProjectPrefix(projectID, ResourceAgent)
	result := make([]*Agent, 0, len(s.agents))
	for key, a := range s.agents {
		if hasPrefix(key, prefix) {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateAgentHeartbeat(ctx context.Context, projectID string, agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[ProjectKey(projectID, ResourceAgent, agentID)]
	if !ok {
		return errors.New("agent not found")
	}
	a.LastHeartbeat = t
	return nil
}

func (s *MemoryStore) UpdateAgentState(ctx context.Context, projectID string, agentID string, state string, currentTask string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[ProjectKey(projectID, ResourceAgent, agentID)]
	if !ok {
		return errors.New("agent not found")
	}
	a.State = state
	a.CurrentTask = currentTask
	return nil
}

// --- Task operations ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[ProjectKey(task.ProjectID, ResourceTask, task.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, projectID string, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[ProjectKey(projectID, ResourceTask, taskID)]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := ProjectPrefix(projectID, ResourceTask)
	result := make([]*Task, 0, len(s.tasks))
	for key, t := range s.tasks {
		if hasPrefix(key, prefix) {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTasksByIDs(ctx context.Context, projectID string, ids []string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[ProjectKey(projectID, ResourceTask, id)]; ok {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, projectID string, taskID string, agentID string, expectedVersion int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ProjectKey(projectID, ResourceTask, taskID)]
	if !ok {
		return false, errors.New("task not found")
	}
	if t.Version != expectedVersion || t.Status != TaskPending {
		return false, nil
	}
	t.Status = TaskInProgress
	t.AssignedAgent = agentID
	claimedAt := now
	t.ClaimedAt = &claimedAt
	t.Version++
	return true, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, projectID string, taskID string, status string, expectedVersion int, mutate func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ProjectKey(projectID, ResourceTask, taskID)]
	if !ok {
		return errors.New("task not found")
	}
	if expectedVersion >= 0 && t.Version != expectedVersion {
		return errors.New("optimistic lock failure: task version changed")
	}
	t.Status = status
	if mutate != nil {
		mutate(t)
	}
	t.Version++
	return nil
}

// --- Phase operations ---

func (s *MemoryStore) CreatePhase(ctx context.Context, phase *Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *phase
	s.phases[phaseKey(phase.ProjectID, phase.Index)] = &cp
	return nil
}

func (s *MemoryStore) GetPhase(ctx context.Context, projectID string, index int) (*Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.phases[phaseKey(projectID, index)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPhases(ctx context.Context, projectID string) ([]*Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Phase, 0, len(s.phases))
	for key, p := range s.phases {
		if hasPrefix(key, "phase:"+projectID+":") {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetActivePhase(ctx context.Context, projectID string) (*Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, p := range s.phases {
		if hasPrefix(key, "phase:"+projectID+":") && p.Status == PhaseActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdatePhaseStatus(ctx context.Context, projectID string, index int, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phases[phaseKey(projectID, index)]
	if !ok {
		return errors.New("phase not found")
	}
	p.Status = status
	switch status {
	case PhaseActive:
		p.StartedAt = &at
	case PhaseCompleted:
		p.CompletedAt = &at
	}
	return nil
}

func (s *MemoryStore) SetBacklogComplete(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlogComplete[projectID] = true
	return nil
}

func (s *MemoryStore) IsBacklogComplete(ctx context.Context, projectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backlogComplete[projectID], nil
}

func phaseKey(projectID string, index int) string {
	return "phase:" + projectID + ":" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// --- Durable epoch ---

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}

// --- Audit timeline ---

func (s *MemoryStore) RecordEvent(ctx context.Context, event *TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ProjectID] = append(s.events[event.ProjectID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, projectID string, limit int) ([]*TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[projectID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	start := len(all) - limit
	result := make([]*TimelineEvent, limit)
	copy(result, all[start:])
	return result, nil
}

func (s *MemoryStore) ListEventsByTask(ctx context.Context, projectID string, taskID string) ([]*TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*TimelineEvent
	for _, e := range s.events[projectID] {
		if e.TaskID == taskID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Coordinator: locks & leases (shared implementation) ---

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if e, ok := s.locks[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.locks[key] = lockEntry{owner: ownerID, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	e, ok := s.locks[key]
	if !ok || e.owner != ownerID {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	s.locks[key] = e
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if e, ok := s.locks[key]; ok && e.owner == ownerID {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	e, ok := s.locks[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", nil
	}
	return e.owner, nil
}

func (s *MemoryStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	var keys []string
	for k := range s.locks {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *MemoryStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *MemoryStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

// --- Merge FIFO ---

func (s *MemoryStore) EnqueueMerge(ctx context.Context, req *MergeRequest) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	cp := *req
	s.queues[req.ProjectID] = append(s.queues[req.ProjectID], &cp)
	ch, ok := s.queueCh[req.ProjectID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.queueCh[req.ProjectID] = ch
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func (s *MemoryStore) DequeueMerge(ctx context.Context, projectID string, timeout time.Duration) (*MergeRequest, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.queueMu.Lock()
		q := s.queues[projectID]
		if len(q) > 0 {
			head := q[0]
			s.queues[projectID] = q[1:]
			s.queueMu.Unlock()
			return head, nil
		}
		ch, ok := s.queueCh[projectID]
		if !ok {
			ch = make(chan struct{}, 1)
			s.queueCh[projectID] = ch
		}
		s.queueMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *MemoryStore) MergeQueueDepth(ctx context.Context, projectID string) (int64, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return int64(len(s.queues[projectID])), nil
}

// --- Notification bus ---

func (s *MemoryStore) PublishNotification(ctx context.Context, n *Notification) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	key := n.ProjectID + ":" + n.AgentID
	cp := *n
	s.pending[key] = append(s.pending[key], &cp)
	for _, ch := range s.subs[key] {
		select {
		case ch <- &cp:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, projectID string, agentID string) Subscription {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	key := projectID + ":" + agentID
	ch := make(chan *Notification, 16)
	s.subs[key] = append(s.subs[key], ch)
	return &memSubscription{store: s, key: key, ch: ch}
}

type memSubscription struct {
	store *MemoryStore
	key   string
	ch    chan *Notification
}

func (m *memSubscription) Channel() <-chan *Notification { return m.ch }

func (m *memSubscription) Close() error {
	m.store.notifyMu.Lock()
	defer m.store.notifyMu.Unlock()
	subs := m.store.subs[m.key]
	for i, ch := range subs {
		if ch == m.ch {
			m.store.subs[m.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(m.ch)
	return nil
}

func (s *MemoryStore) DrainPending(ctx context.Context, projectID string, agentID string) ([]*Notification, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	key := projectID + ":" + agentID
	return s.pending[key], nil
}

func (s *MemoryStore) TrimPending(ctx context.Context, projectID string, agentID string, n int) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	key := projectID + ":" + agentID
	if n >= len(s.pending[key]) {
		s.pending[key] = nil
		return nil
	}
	s.pending[key] = s.pending[key][n:]
	return nil
}

// --- Idempotency ---

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	v, ok := s.idem[key]
	return v, ok, nil
}

func (s *MemoryStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	if _, ok := s.idem[key]; ok {
		return false, nil
	}
	s.idem[key] = value
	return true, nil
}
