package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL as the durable system of
// record, so an in_progress task and a non-empty merge queue survive a
// coordinator restart (spec §8 scenario 6). It does not implement
// Coordinator — locks, leases and the merge FIFO stay on Redis.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agent operations ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, projectID string, agent *Agent) error {
	agent.ProjectID = projectID
	query := `
		INSERT INTO agents (id, project_id, state, current_task, role, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			current_task = EXCLUDED.current_task,
			role = EXCLUDED.role,
			last_heartbeat = EXCLUDED.last_heartbeat
	`
	_, err := s.pool.Exec(ctx, query, agent.ID, agent.ProjectID, agent.State, agent.CurrentTask, agent.Role, agent.LastHeartbeat)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, projectID string, agentID string) (*Agent, error) {
	query := `
		SELECT id, project_id, state, current_task, role, last_heartbeat, registered_at
		FROM agents WHERE id = $1 AND project_id = $2
	`
	var a Agent
	err := s.pool.QueryRow(ctx, query, agentID, projectID).Scan(
		&a.ID, &a.ProjectID, &a.State, &a.CurrentTask, &a.Role, &a.LastHeartbeat, &a.RegisteredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, projectID string) ([]*Agent, error) {
	query := `
		SELECT id, project_id, state, current_task, role, last_heartbeat, registered_at
		FROM agents WHERE project_id = $1
	`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.State, &a.CurrentTask, &a.Role, &a.LastHeartbeat, &a.RegisteredAt); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, projectID string, agentID string, t time.Time) error {
	query := `UPDATE agents SET last_heartbeat = $1 WHERE id = $2 AND project_id = $3`
	tag, err := s.pool.Exec(ctx, query, t, agentID, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("agent not found")
	}
	return nil
}

func (s *PostgresStore) UpdateAgentState(ctx context.Context, projectID string, agentID string, state string, currentTask string) error {
	query := `UPDATE agents SET state = $1, current_task = $2 WHERE id = $3 AND project_id = $4`
	tag, err := s.pool.Exec(ctx, query, state, currentTask, agentID, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("agent not found")
	}
	return nil
}

// --- Task operations ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, project_id, title, kind, priority, dependencies, acceptance_criteria,
			status, assigned_agent, branch, pr_handle, retry_count, blocked_reason, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), 0)
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.ProjectID, task.Title, task.Kind, task.Priority, task.Dependencies,
		task.AcceptanceCriteria, task.Status, task.AssignedAgent, task.Branch, task.PRHandle,
		task.RetryCount, task.BlockedReason,
	)
	return err
}

func (s *PostgresStore) scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Kind, &t.Priority, &t.Dependencies, &t.AcceptanceCriteria,
		&t.Status, &t.AssignedAgent, &t.Branch, &t.PRHandle, &t.RetryCount, &t.BlockedReason,
		&t.CreatedAt, &t.ClaimedAt, &t.CompletedAt, &t.MergedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const taskColumns = `id, project_id, title, kind, priority, dependencies, acceptance_criteria,
	status, assigned_agent, branch, pr_handle, retry_count, blocked_reason,
	created_at, claimed_at, completed_at, merged_at, version`

func (s *PostgresStore) GetTask(ctx context.Context, projectID string, taskID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND project_id = $2`
	return s.scanTask(s.pool.QueryRow(ctx, query, taskID, projectID))
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksByIDs(ctx context.Context, projectID string, ids []string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1 AND id = ANY($2)`
	rows, err := s.pool.Query(ctx, query, projectID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ClaimTask performs the optimistic-concurrency CAS that mirrors the
// teacher's UpdateStateStatus pattern: the UPDATE only matches a row when
// both the expected version and pending status still hold, so two
// concurrent claimers racing on the same task leave exactly one winner.
func (s *PostgresStore) ClaimTask(ctx context.Context, projectID string, taskID string, agentID string, expectedVersion int, now time.Time) (bool, error) {
	query := `
		UPDATE tasks SET status = 'in_progress', assigned_agent = $1, claimed_at = $2, version = version + 1
		WHERE id = $3 AND project_id = $4 AND version = $5 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, agentID, now, taskID, projectID, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, projectID string, taskID string, status string, expectedVersion int, mutate func(*Task)) error {
	t, err := s.GetTask(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return errors.New("task not found")
	}
	t.Status = status
	if mutate != nil {
		mutate(t)
	}
	query := `
		UPDATE tasks SET status = $1, assigned_agent = $2, branch = $3, pr_handle = $4,
			retry_count = $5, blocked_reason = $6, claimed_at = $7, completed_at = $8, merged_at = $9,
			version = version + 1
		WHERE id = $10 AND project_id = $11 AND version = $12
	`
	var expected interface{} = expectedVersion
	if expectedVersion < 0 {
		expected = t.Version
	}
	tag, err := s.pool.Exec(ctx, query,
		t.Status, t.AssignedAgent, t.Branch, t.PRHandle, t.RetryCount, t.BlockedReason,
		t.ClaimedAt, t.CompletedAt, t.MergedAt, taskID, projectID, expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("optimistic lock failure: task version changed")
	}
	return nil
}

// --- Phase operations ---

func (s *PostgresStore) CreatePhase(ctx context.Context, phase *Phase) error {
	query := `
		INSERT INTO phases (index, project_id, task_ids, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, index) DO UPDATE SET
			task_ids = EXCLUDED.task_ids, status = EXCLUDED.status,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at
	`
	_, err := s.pool.Exec(ctx, query, phase.Index, phase.ProjectID, phase.TaskIDs, phase.Status, phase.StartedAt, phase.CompletedAt)
	return err
}

func (s *PostgresStore) scanPhase(row pgx.Row) (*Phase, error) {
	var p Phase
	err := row.Scan(&p.Index, &p.ProjectID, &p.TaskIDs, &p.Status, &p.StartedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const phaseColumns = `index, project_id, task_ids, status, started_at, completed_at`

func (s *PostgresStore) GetPhase(ctx context.Context, projectID string, index int) (*Phase, error) {
	query := `SELECT ` + phaseColumns + ` FROM phases WHERE project_id = $1 AND index = $2`
	return s.scanPhase(s.pool.QueryRow(ctx, query, projectID, index))
}

func (s *PostgresStore) ListPhases(ctx context.Context, projectID string) ([]*Phase, error) {
	query := `SELECT ` + phaseColumns + ` FROM phases WHERE project_id = $1 ORDER BY index`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var phases []*Phase
	for rows.Next() {
		p, err := s.scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, nil
}

func (s *PostgresStore) GetActivePhase(ctx context.Context, projectID string) (*Phase, error) {
	query := `SELECT ` + phaseColumns + ` FROM phases WHERE project_id = $1 AND status = 'active' LIMIT 1`
	return s.scanPhase(s.pool.QueryRow(ctx, query, projectID))
}

func (s *PostgresStore) UpdatePhaseStatus(ctx context.Context, projectID string, index int, status string, at time.Time) error {
	var query string
	switch status {
	case PhaseActive:
		query = `UPDATE phases SET status = $1, started_at = $2 WHERE project_id = $3 AND index = $4`
	case PhaseCompleted:
		query = `UPDATE phases SET status = $1, completed_at = $2 WHERE project_id = $3 AND index = $4`
	default:
		query = `UPDATE phases SET status = $1 WHERE project_id = $3 AND index = $4`
	}
	tag, err := s.pool.Exec(ctx, query, status, at, projectID, index)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("phase not found")
	}
	return nil
}

func (s *PostgresStore) SetBacklogComplete(ctx context.Context, projectID string) error {
	query := `
		INSERT INTO backlog_status (project_id, complete) VALUES ($1, true)
		ON CONFLICT (project_id) DO UPDATE SET complete = true
	`
	_, err := s.pool.Exec(ctx, query, projectID)
	return err
}

func (s *PostgresStore) IsBacklogComplete(ctx context.Context, projectID string) (bool, error) {
	query := `SELECT complete FROM backlog_status WHERE project_id = $1`
	var complete bool
	err := s.pool.QueryRow(ctx, query, projectID).Scan(&complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return complete, err
}

// --- Durable epoch (leader election fencing token) ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch)
	return newEpoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}

// --- Audit timeline ---

func (s *PostgresStore) RecordEvent(ctx context.Context, event *TimelineEvent) error {
	query := `
		INSERT INTO timeline_events (event_id, project_id, task_id, phase_index, stage, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, event.EventID, event.ProjectID, event.TaskID, event.PhaseIndex, event.Stage, event.Timestamp, event.Metadata)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, projectID string, limit int) ([]*TimelineEvent, error) {
	query := `
		SELECT event_id, project_id, task_id, phase_index, stage, timestamp, metadata
		FROM timeline_events WHERE project_id = $1 ORDER BY timestamp DESC LIMIT $2
	`
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		if err := rows.Scan(&e.EventID, &e.ProjectID, &e.TaskID, &e.PhaseIndex, &e.Stage, &e.Timestamp, &e.Metadata); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, nil
}

func (s *PostgresStore) ListEventsByTask(ctx context.Context, projectID string, taskID string) ([]*TimelineEvent, error) {
	query := `
		SELECT event_id, project_id, task_id, phase_index, stage, timestamp, metadata
		FROM timeline_events WHERE project_id = $1 AND task_id = $2 ORDER BY timestamp
	`
	rows, err := s.pool.Query(ctx, query, projectID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		if err := rows.Scan(&e.EventID, &e.ProjectID, &e.TaskID, &e.PhaseIndex, &e.Stage, &e.Timestamp, &e.Metadata); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, nil
}
