package agentrt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// client is a thin wrapper over the coordinator's HTTP surface, generalized
// from the teacher's package-level sendRegistration/sendHeartbeat functions
// into a reusable struct bound to one agent's config and bearer token.
type client struct {
	cfg        Config
	httpClient *http.Client
}

func newClient(cfg Config) *client {
	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body interface{}, idempotencyKey string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("agentrt: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.cfg.CoordinatorURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("agentrt: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Project-ID", c.cfg.ProjectID)
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	return c.httpClient.Do(req)
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func (c *client) register() (string, error) {
	resp, err := c.do(http.MethodPost, "/agent/register", map[string]interface{}{
		"preferred_id": c.cfg.AgentID,
	}, "")
	if err != nil {
		return "", fmt.Errorf("agentrt: register request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agentrt: register failed with status %d", resp.StatusCode)
	}

	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("agentrt: decode register response: %w", err)
	}
	return out.AgentID, nil
}

func (c *client) heartbeat() error {
	resp, err := c.do(http.MethodPost, "/agent/heartbeat", map[string]string{
		"agent_id": c.cfg.AgentID,
	}, "")
	if err != nil {
		return fmt.Errorf("agentrt: heartbeat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentrt: heartbeat failed with status %d", resp.StatusCode)
	}
	return nil
}

// errNoTasksAvailable signals the claim loop to sleep claim_wait and retry.
var errNoTasksAvailable = fmt.Errorf("agentrt: no tasks available")

func (c *client) claim() (*store.Task, error) {
	resp, err := c.do(http.MethodPost, "/task/claim", map[string]string{
		"agent_id": c.cfg.AgentID,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("agentrt: claim request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentrt: claim failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agentrt: read claim response: %w", err)
	}

	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Status == "no_tasks_available" {
		return nil, errNoTasksAvailable
	}

	var task store.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("agentrt: decode claimed task: %w", err)
	}
	return &task, nil
}

type completePayload struct {
	AgentID  string `json:"agent_id"`
	TaskID   string `json:"task_id"`
	Outcome  string `json:"outcome"`
	Branch   string `json:"branch"`
	PRHandle string `json:"pr_handle"`
}

func (c *client) complete(taskID, outcome, branch, prHandle string) error {
	payload := completePayload{
		AgentID:  c.cfg.AgentID,
		TaskID:   taskID,
		Outcome:  outcome,
		Branch:   branch,
		PRHandle: prHandle,
	}
	idempotencyKey := fmt.Sprintf("complete:%s:%s", taskID, outcome)
	resp, err := c.do(http.MethodPost, "/task/complete", payload, idempotencyKey)
	if err != nil {
		return fmt.Errorf("agentrt: complete request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentrt: complete failed with status %d: %s", resp.StatusCode, readBody(resp))
	}
	return nil
}

// resubmit re-enqueues a merge for a task the fix loop just repaired. The
// claim lock backing the original complete() call is long gone by the
// time a fix lands, so this goes through a dedicated endpoint rather than
// complete() a second time.
func (c *client) resubmit(taskID, branch, prHandle string) error {
	return c.sendResubmit(taskID, branch, prHandle, "fixed")
}

// abandon reports that the fix loop exhausted its iteration or time budget.
// It goes through the same endpoint as resubmit rather than complete(),
// since complete()'s lock-ownership check would fail here too — the lock
// was already released by the task's original success report.
func (c *client) abandon(taskID, branch string) error {
	return c.sendResubmit(taskID, branch, "", "abandoned")
}

func (c *client) sendResubmit(taskID, branch, prHandle, outcome string) error {
	payload := map[string]string{
		"agent_id":  c.cfg.AgentID,
		"task_id":   taskID,
		"branch":    branch,
		"pr_handle": prHandle,
		"outcome":   outcome,
	}
	idempotencyKey := fmt.Sprintf("resubmit:%s:%s:%s", taskID, branch, outcome)
	resp, err := c.do(http.MethodPost, "/task/resubmit", payload, idempotencyKey)
	if err != nil {
		return fmt.Errorf("agentrt: resubmit request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentrt: resubmit failed with status %d: %s", resp.StatusCode, readBody(resp))
	}
	return nil
}

func (c *client) drainNotifications() ([]*store.Notification, error) {
	resp, err := c.do(http.MethodGet, "/agent/notifications?agent_id="+c.cfg.AgentID, nil, "")
	if err != nil {
		return nil, fmt.Errorf("agentrt: drain notifications request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentrt: drain notifications failed with status %d", resp.StatusCode)
	}

	var notifications []*store.Notification
	if err := json.NewDecoder(resp.Body).Decode(&notifications); err != nil {
		return nil, fmt.Errorf("agentrt: decode notifications: %w", err)
	}
	return notifications, nil
}
