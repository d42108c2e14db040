package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"windbench/pkg/histogram"
	"windbench/pkg/results"
	"windbench/pkg/scenario"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// stubRun returns a fixed three-observation result per repetition.
func stubRun(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error) {
	h := histogram.FromBins([]histogram.Bin{{Value: 10, Count: 1}, {Value: 20, Count: 1}, {Value: 30, Count: 1}})
	return &scenario.RunResult{
		Subscriber: map[string]any{"received": 3},
		Latency:    h.Summarize(),
		Hist:       h,
	}, nil
}

func newTestService(t *testing.T, run RunFunc) *Service {
	t.Helper()
	store, err := results.NewFileStore[StoredRun](t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewService(store, t.TempDir(), run, testLogger())
}

func waitDone(t *testing.T, s *Service) RunInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	info, ok := s.Current()
	if !ok {
		t.Fatal("no current run after wait")
	}
	return info
}

func TestService_CompletesAndAggregatesRepetitions(t *testing.T) {
	var seeds []int64
	run := func(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error) {
		seeds = append(seeds, params.Seed)
		return stubRun(ctx, suite, params, outDir)
	}
	s := newTestService(t, run)

	params := scenario.SuiteParams{DurationSecs: 1, Seed: 5}
	if err := s.Start("bench-1", scenario.SuiteBaseline, params, 3); err != nil {
		t.Fatalf("start: %v", err)
	}

	info := waitDone(t, s)
	if info.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", info.Status, info.Error)
	}
	if info.Completed != 3 {
		t.Fatalf("completed = %d, want 3", info.Completed)
	}

	// Seeds advance per repetition.
	for i, seed := range seeds {
		if seed != 5+int64(i) {
			t.Fatalf("repetition %d seed = %d, want %d", i, seed, 5+int64(i))
		}
	}

	stored, err := s.Get("bench-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Latency.Count != 9 {
		t.Fatalf("merged count = %d, want 9", stored.Latency.Count)
	}
	if len(stored.PerRun) != 3 {
		t.Fatalf("per_run = %d entries, want 3", len(stored.PerRun))
	}

	infos, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "bench-1" {
		t.Fatalf("list = %+v", infos)
	}
}

func TestService_WritesRunDirectoryArtifacts(t *testing.T) {
	store, err := results.NewFileStore[StoredRun](t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	workDir := t.TempDir()
	s := NewService(store, workDir, stubRun, testLogger())

	if err := s.Start("bench-art", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	for _, rel := range []string{
		"config.json",
		"summary.json",
		"raw/run-00/result.json",
		"raw/run-01/result.json",
	} {
		if _, err := os.Stat(filepath.Join(workDir, "bench-art", rel)); err != nil {
			t.Errorf("missing artifact %s: %v", rel, err)
		}
	}
}

func TestService_RejectsConcurrentAndReusedIDs(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error) {
		<-release
		return stubRun(ctx, suite, params, outDir)
	}
	s := newTestService(t, run)

	if err := s.Start("bench-a", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start("bench-b", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 1); err == nil {
		t.Fatal("second concurrent start accepted")
	}

	close(release)
	waitDone(t, s)

	if err := s.Start("bench-a", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 1); err == nil {
		t.Fatal("completed run id reused")
	}
	if err := s.Start("", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 1); err == nil {
		t.Fatal("empty run id accepted")
	}
}

func TestService_FailedRepetitionFailsRun(t *testing.T) {
	run := func(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error) {
		return nil, fmt.Errorf("registry exploded")
	}
	s := newTestService(t, run)

	if err := s.Start("bench-boom", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	info := waitDone(t, s)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", info.Status)
	}
	if info.Error == "" {
		t.Fatal("failed run has no error message")
	}

	// Failures are persisted too, so the outcome survives a restart.
	stored, err := s.Get("bench-boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Info.Status != StatusFailed {
		t.Fatalf("stored status = %s, want failed", stored.Info.Status)
	}
}

func TestService_StopCancelsBetweenRepetitions(t *testing.T) {
	started := make(chan struct{}, 16)
	run := func(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		return stubRun(ctx, suite, params, outDir)
	}
	s := newTestService(t, run)

	if err := s.Start("bench-stop", scenario.SuiteBaseline, scenario.SuiteParams{DurationSecs: 1}, 100); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-started
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	info := waitDone(t, s)
	if info.Status != StatusStopped && info.Status != StatusFailed {
		t.Fatalf("status = %s, want stopped or failed", info.Status)
	}
	if info.Completed == 100 {
		t.Fatal("stop did not interrupt the run")
	}

	if err := s.Stop(); err == nil {
		t.Fatal("stop of finished run accepted")
	}
}

func TestService_NoRunYet(t *testing.T) {
	s := newTestService(t, stubRun)
	if _, ok := s.Current(); ok {
		t.Fatal("current run reported before any start")
	}
	if err := s.Stop(); err == nil {
		t.Fatal("stop with no run accepted")
	}
}
