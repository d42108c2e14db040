// Package bench manages benchmark invocations for the control server: one
// run at a time, executed in the background, with repetitions aggregated
// into a stored summary.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"windbench/pkg/histogram"
	"windbench/pkg/results"
	"windbench/pkg/scenario"
)

// RunFunc executes one repetition of a suite. It is injected so the service
// can be exercised without spawning worker processes.
type RunFunc func(ctx context.Context, suite string, params scenario.SuiteParams, outDir string) (*scenario.RunResult, error)

// Status of a benchmark invocation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// runGrace pads the per-repetition deadline beyond the configured duration,
// covering settle delays, head start and teardown.
const runGrace = 30 * time.Second

// RunInfo describes one invocation's lifecycle.
type RunInfo struct {
	ID          string     `json:"runId"`
	Suite       string     `json:"suite"`
	Status      Status     `json:"status"`
	Repetitions int        `json:"repetitions"`
	Completed   int        `json:"completedRepetitions"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RepetitionSummary is the per-repetition latency report.
type RepetitionSummary struct {
	Run     int               `json:"run"`
	Latency histogram.Summary `json:"latency"`
}

// StoredRun is what the service persists once an invocation ends.
type StoredRun struct {
	Info    RunInfo              `json:"info"`
	Params  scenario.SuiteParams `json:"params"`
	Latency histogram.Summary    `json:"latency"`
	PerRun  []RepetitionSummary  `json:"per_run"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs one benchmark invocation at a time and stores results by id.
type Service struct {
	logger  zerolog.Logger
	run     RunFunc
	store   *results.FileStore[StoredRun]
	workDir string

	mu      sync.Mutex
	current *activeRun
}

// NewService creates a service persisting results through store and writing
// worker captures under workDir.
func NewService(store *results.FileStore[StoredRun], workDir string, run RunFunc, logger zerolog.Logger) *Service {
	return &Service{
		logger:  logger,
		run:     run,
		store:   store,
		workDir: workDir,
	}
}

// Start launches an invocation in the background. It rejects an empty id, a
// second concurrent run, and reuse of a completed run's id.
func (s *Service) Start(id, suite string, params scenario.SuiteParams, repetitions int) error {
	if id == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if repetitions < 1 {
		repetitions = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		select {
		case <-s.current.done:
		default:
			return fmt.Errorf("run %s is already in progress", s.current.info.ID)
		}
	}
	if s.store.Exists(id) {
		return fmt.Errorf("run %s already completed, cannot restart", id)
	}

	perRep := time.Duration(params.DurationSecs)*time.Second + runGrace
	ctx, cancel := context.WithTimeout(context.Background(), perRep*time.Duration(repetitions))

	run := &activeRun{
		info: RunInfo{
			ID:          id,
			Suite:       suite,
			Status:      StatusRunning,
			Repetitions: repetitions,
			StartTime:   time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = run

	s.logger.Info().
		Str("run_id", id).
		Str("suite", suite).
		Int("repetitions", repetitions).
		Msg("starting benchmark run")

	go s.execute(ctx, run, suite, params, repetitions)

	return nil
}

func (s *Service) execute(ctx context.Context, run *activeRun, suite string, params scenario.SuiteParams, repetitions int) {
	defer run.cancel()
	defer close(run.done)

	storage, err := results.NewRunStorage(s.workDir, run.info.ID)
	if err != nil {
		s.finish(run, params, nil, histogram.Histogram{}, err)
		return
	}

	merged := histogram.Histogram{}
	var perRun []RepetitionSummary

	for i := 0; i < repetitions; i++ {
		if err := ctx.Err(); err != nil {
			s.finish(run, params, perRun, merged, err)
			return
		}

		repParams := params
		repParams.Seed = params.Seed + int64(i)

		dir, err := storage.RepetitionDir(i)
		if err != nil {
			s.finish(run, params, perRun, merged, err)
			return
		}

		result, err := s.run(ctx, suite, repParams, dir)
		if err != nil {
			s.finish(run, params, perRun, merged, fmt.Errorf("repetition %d: %w", i, err))
			return
		}

		if err := storage.WriteJSON(fmt.Sprintf("raw/run-%02d/result.json", i), result); err != nil {
			s.logger.Warn().Err(err).Int("repetition", i).Msg("failed to persist repetition result")
		}

		merged = merged.Merge(result.Hist)
		perRun = append(perRun, RepetitionSummary{Run: i, Latency: result.Latency})

		s.mu.Lock()
		run.info.Completed = i + 1
		s.mu.Unlock()
	}

	if err := storage.WriteJSON("config.json", map[string]any{
		"suite":       suite,
		"params":      params,
		"repetitions": repetitions,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist run config")
	}
	if err := storage.WriteJSON("summary.json", map[string]any{
		"latency": merged.Summarize(),
		"per_run": perRun,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist run summary")
	}

	s.finish(run, params, perRun, merged, nil)
}

func (s *Service) finish(run *activeRun, params scenario.SuiteParams, perRun []RepetitionSummary, merged histogram.Histogram, runErr error) {
	now := time.Now()

	s.mu.Lock()
	run.info.EndTime = &now
	switch {
	case runErr == nil:
		run.info.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled):
		// Stopped by the operator; repetitions that finished are kept.
		run.info.Status = StatusStopped
		run.info.Error = runErr.Error()
	default:
		run.info.Status = StatusFailed
		run.info.Error = runErr.Error()
	}
	info := run.info
	s.mu.Unlock()

	stored := StoredRun{
		Info:    info,
		Params:  params,
		Latency: merged.Summarize(),
		PerRun:  perRun,
	}
	if err := s.store.Save(info.ID, stored); err != nil {
		s.logger.Error().Err(err).Str("run_id", info.ID).Msg("failed to save run")
	}

	event := s.logger.Info().Str("run_id", info.ID).Str("status", string(info.Status))
	if runErr != nil {
		event = event.Err(runErr)
	}
	event.Msg("benchmark run finished")
}

// Stop cancels the in-flight invocation, if any. The runner's scoped
// teardown still terminates all spawned workers.
func (s *Service) Stop() error {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()

	if run == nil {
		return fmt.Errorf("no run in progress")
	}
	select {
	case <-run.done:
		return fmt.Errorf("no run in progress")
	default:
	}

	run.cancel()
	return nil
}

// Current returns the most recent invocation's info; false if none was ever
// started.
func (s *Service) Current() (RunInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return RunInfo{}, false
	}
	return s.current.info, true
}

// Wait blocks until the current invocation ends or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()

	if run == nil {
		return fmt.Errorf("no run in progress")
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get loads a stored run by id.
func (s *Service) Get(id string) (StoredRun, error) {
	return s.store.Load(id)
}

// List returns metadata for all stored runs.
func (s *Service) List() ([]results.EntryInfo, error) {
	return s.store.List()
}
