package merge

import (
	"context"
	"testing"
)

func TestRunChecksAllPass(t *testing.T) {
	dir := t.TempDir()
	checks := []QualityCheck{
		{Name: "one", Command: []string{"true"}, Required: true},
		{Name: "two", Command: []string{"true"}, Required: false},
	}

	failed, results, err := runChecks(context.Background(), dir, checks)
	if err != nil {
		t.Fatalf("runChecks: %v", err)
	}
	if failed != nil {
		t.Fatalf("expected no failure, got %+v", failed)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestRunChecksStopsAtFirstFailingRequired(t *testing.T) {
	dir := t.TempDir()
	checks := []QualityCheck{
		{Name: "lint", Command: []string{"false"}, Required: true},
		{Name: "never-runs", Command: []string{"true"}, Required: true},
	}

	failed, results, err := runChecks(context.Background(), dir, checks)
	if err != nil {
		t.Fatalf("runChecks: %v", err)
	}
	if failed == nil || failed.Name != "lint" {
		t.Fatalf("expected lint to fail, got %+v", failed)
	}
	if len(results) != 1 {
		t.Fatalf("expected check execution to stop after the failing required check, got %d results", len(results))
	}
}

func TestRunChecksAdvisoryFailureDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	checks := []QualityCheck{
		{Name: "advisory", Command: []string{"false"}, Required: false},
		{Name: "required", Command: []string{"true"}, Required: true},
	}

	failed, results, err := runChecks(context.Background(), dir, checks)
	if err != nil {
		t.Fatalf("runChecks: %v", err)
	}
	if failed != nil {
		t.Fatalf("an advisory-only failure must not block the gate, got %+v", failed)
	}
	if len(results) != 2 {
		t.Fatalf("expected both checks to run, got %d", len(results))
	}
	if results[0].ExitCode == 0 {
		t.Fatalf("expected the advisory check to record its nonzero exit code")
	}
}
