// Package agentrt implements the agent runtime: register once, heartbeat
// in the background, drain notifications, and loop claiming and executing
// tasks until the backlog is exhausted, per spec.md §4.6.
package agentrt

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config carries one agent process's identity, coordinator address, and
// timeout knobs — all environment-variable driven, matching the teacher's
// agent/config.go and cmd/coordinator's own env-driven setup.
type Config struct {
	AgentID        string
	ProjectID      string
	CoordinatorURL string
	BearerToken    string
	WorkspaceDir   string
	MainBranch     string
	BranchPattern  string // e.g. "{agent}/task-{task}"
	PushToRemote   bool
	AutoPR         bool

	HeartbeatInterval time.Duration
	ClaimWait         time.Duration
	ImplPoll          time.Duration
	ImplTimeout       time.Duration
	FixTimeout        time.Duration
	FixMaxIterations  int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		AgentID:           os.Getenv("AGENT_ID"),
		ProjectID:         os.Getenv("PROJECT_ID"),
		CoordinatorURL:    getenvDefault("COORDINATOR_URL", "http://localhost:8080"),
		BearerToken:       os.Getenv("AGENT_TOKEN"),
		WorkspaceDir:      getenvDefault("WORKSPACE_DIR", "."),
		MainBranch:        getenvDefault("MAIN_BRANCH", "main"),
		BranchPattern:     getenvDefault("BRANCH_PATTERN", "{agent}/task-{task}"),
		PushToRemote:      getenvBool("PUSH_TO_REMOTE", false),
		AutoPR:            getenvBool("AUTO_PR", false),
		HeartbeatInterval: getenvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ClaimWait:         getenvDuration("CLAIM_WAIT", 3*time.Second),
		ImplPoll:          getenvDuration("IMPL_POLL", 10*time.Second),
		ImplTimeout:       getenvDuration("IMPL_TIMEOUT", time.Hour),
		FixTimeout:        getenvDuration("FIX_TIMEOUT", 30*time.Minute),
		FixMaxIterations:  getenvInt("FIX_MAX_ITERATIONS", 3),
	}

	if cfg.ProjectID == "" {
		return Config{}, fmt.Errorf("agentrt: PROJECT_ID is required")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
