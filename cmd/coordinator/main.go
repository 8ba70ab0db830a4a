package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/swarmctl/internal/backlog"
	"github.com/itskum47/swarmctl/internal/coordination"
	"github.com/itskum47/swarmctl/internal/coordinatorsvc"
	"github.com/itskum47/swarmctl/internal/dashboard"
	"github.com/itskum47/swarmctl/internal/idempotency"
	"github.com/itskum47/swarmctl/internal/merge"
	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/phase"
	"github.com/itskum47/swarmctl/internal/reaper"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("coordinator: received shutdown signal")
		cancel()
	}()

	s, err := openStore(ctx)
	if err != nil {
		log.Fatalf("coordinator: store init: %v", err)
	}
	coord, ok := s.(store.Coordinator)
	if !ok {
		log.Fatalf("coordinator: configured store does not implement store.Coordinator (multi-replica coordination requires Redis)")
	}

	projects := projectIDsFromEnv()
	if err := bootstrapBacklogs(ctx, s, projects); err != nil {
		log.Fatalf("coordinator: backlog bootstrap: %v", err)
	}
	listProjects := func(context.Context) ([]string, error) { return projects, nil }

	notifier := notify.NewNotifier(coord)
	recorder := timeline.NewRecorder(s)
	phaseScheduler := phase.NewScheduler(s, notifier, recorder)

	reaperInterval := envDuration("REAPER_INTERVAL", 5*time.Second)
	reaperTimeout := envDuration("AGENT_TIMEOUT", 30*time.Second)
	r := reaper.New(s, coord, recorder, phaseScheduler, reaperInterval, reaperTimeout, listProjects)

	mergeCfg := mergeConfigFromEnv()
	mergeWorker := merge.NewWorker(s, coord, notifier, recorder, phaseScheduler, mergeCfg, listProjects)

	svcCfg := coordinatorsvc.DefaultConfig()
	if threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil && n > 0 {
			svcCfg.MergeQueueThreshold = n
		}
	}
	svc := coordinatorsvc.NewService(s, coord, notifier, recorder, r, phaseScheduler, svcCfg)

	nodeID := "node-" + uuid.NewString()
	electionTTL := envDuration("LEADER_LEASE_TTL", 30*time.Second)
	elector := coordination.NewLeaderElector(coord, s, nodeID, electionTTL)

	dashboardSvc := dashboard.NewService(s, coord, svc.Admission(), svc.CircuitBreaker(), elector)
	hub := dashboard.NewHub(dashboardSvc, 2*time.Second)
	go hub.Run(ctx)

	janitor := coordination.NewLockJanitor(coord, s, 60*time.Second)
	janitor.Start(ctx)

	// Only the elected replica runs the phase scheduler, merge worker, and
	// reaper — both must never run twice concurrently (spec.md §5).
	// Standby replicas still serve register/heartbeat/status so agents
	// always have someone to talk to.
	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			log.Printf("coordinator: %s elected leader, starting scheduler/merge/reaper", nodeID)
			r.Start(leaderCtx)
			mergeWorker.Start(leaderCtx)
		},
		func() {
			log.Printf("coordinator: %s lost leadership", nodeID)
		},
	)
	elector.Start(ctx)

	idemStore := idempotency.NewStore(coord)

	mux := http.NewServeMux()
	mux.Handle("/", svc.Router(idemStore))
	dashboardMux := dashboard.Router(dashboardSvc, hub)
	mux.Handle("/api/dashboard", dashboardMux)
	mux.Handle("/api/dashboard/stream", dashboardMux)

	addr := ":" + envOrDefault("PORT", "8080")
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("coordinator: listening on %s for projects %v", addr, projects)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("coordinator: serve: %v", err)
	}
	log.Println("coordinator: shut down")
}

func openStore(ctx context.Context) (store.Store, error) {
	switch backend := envOrDefault("STORE_BACKEND", "memory"); backend {
	case "memory":
		log.Println("coordinator: using in-memory store (single replica only, no HA)")
		return store.NewMemoryStore(), nil
	case "redis":
		addr := envOrDefault("REDIS_ADDR", "localhost:6379")
		db, _ := strconv.Atoi(envOrDefault("REDIS_DB", "0"))
		s, err := store.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), db)
		if err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
		}
		log.Printf("coordinator: connected to redis at %s", addr)
		return s, nil
	case "postgres":
		dsn := os.Getenv("POSTGRES_DSN")
		s, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Println("coordinator: connected to postgres")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

// projectIDsFromEnv returns the set of projects this coordinator replica
// serves. A single coordinator process can run several independent
// backlogs concurrently, each fully isolated by ProjectID.
func projectIDsFromEnv() []string {
	raw := envOrDefault("PROJECT_IDS", "default")
	parts := strings.Split(raw, ",")
	projects := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			projects = append(projects, p)
		}
	}
	return projects
}

// bootstrapBacklogs loads each project's backlog YAML into the store on
// first boot. A project with an existing phase is left untouched, so a
// coordinator restart never re-imports a backlog already in progress.
func bootstrapBacklogs(ctx context.Context, s store.Store, projects []string) error {
	dir := os.Getenv("BACKLOG_DIR")
	if dir == "" {
		return nil
	}
	for _, projectID := range projects {
		phases, err := s.ListPhases(ctx, projectID)
		if err != nil {
			return fmt.Errorf("list phases for %s: %w", projectID, err)
		}
		if len(phases) > 0 {
			continue
		}

		path := dir + "/" + projectID + ".yaml"
		if _, err := os.Stat(path); err != nil {
			log.Printf("coordinator: no backlog file for project %s at %s, skipping bootstrap", projectID, path)
			continue
		}

		tasks, loadedPhases, err := backlog.Load(path, projectID)
		if err != nil {
			return fmt.Errorf("load backlog for %s: %w", projectID, err)
		}
		for _, t := range tasks {
			if err := s.CreateTask(ctx, t); err != nil {
				return fmt.Errorf("create task %s: %w", t.ID, err)
			}
		}
		for _, p := range loadedPhases {
			if err := s.CreatePhase(ctx, p); err != nil {
				return fmt.Errorf("create phase %d: %w", p.Index, err)
			}
		}
		log.Printf("coordinator: bootstrapped project %s with %d tasks across %d phases", projectID, len(tasks), len(loadedPhases))
	}
	return nil
}

func mergeConfigFromEnv() merge.Config {
	cfg := merge.DefaultConfig(envOrDefault("MERGE_WORKDIR", "/workspace/mainline"))
	cfg.MainBranch = envOrDefault("MAIN_BRANCH", cfg.MainBranch)
	cfg.PushToRemote = os.Getenv("PUSH_TO_REMOTE") == "true"
	cfg.AutoPR = os.Getenv("AUTO_PR") == "true"
	if path := os.Getenv("QUALITY_GATES_FILE"); path != "" {
		checks, err := loadQualityChecks(path)
		if err != nil {
			log.Printf("coordinator: quality gates file %s: %v (no required checks)", path, err)
		} else {
			cfg.Checks = checks
		}
	}
	return cfg
}

// loadQualityChecks reads an operator-authored argv-list quality gate
// config — never a shell string, since this file drives subprocess
// invocation directly.
func loadQualityChecks(path string) ([]merge.QualityCheck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var checks []merge.QualityCheck
	if err := json.Unmarshal(data, &checks); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return checks, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
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
