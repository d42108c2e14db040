// Package scenario composes managed worker processes into benchmark
// topologies: one registry, N publishers and M subscribers, sampled for
// resources while they run and folded into one latency distribution when
// they finish.
package scenario

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"windbench/pkg/histogram"
	"windbench/pkg/proc"
	"windbench/pkg/resources"
)

// Binaries locates the external worker programs.
type Binaries struct {
	Registry string `json:"registry"`
	Agent    string `json:"agent"`
}

// RunResult is the outcome of one topology execution. Subscriber summaries
// are the raw terminal objects the workers emitted; a worker that produced
// no parseable summary contributes an empty object and zero latency weight.
type RunResult struct {
	Subscriber  map[string]any      `json:"subscriber,omitempty"`
	Subscribers []map[string]any    `json:"subscribers,omitempty"`
	Latency     histogram.Summary   `json:"latency"`
	Resources   resources.Summary   `json:"resources"`
	Hist        histogram.Histogram `json:"-"`
}

// Runner executes benchmark topologies. The exported durations are timing
// knobs with working defaults; tests and operators on loaded machines may
// adjust them.
type Runner struct {
	bins    Binaries
	logger  zerolog.Logger
	sampler *resources.Sampler

	// RegistrySettle is a fixed delay after starting the registry, standing
	// in for a real readiness probe. Workers discover each other through the
	// registry, so nothing else starts until it elapses.
	RegistrySettle time.Duration

	// PublisherHeadStart elapses between starting publishers and starting
	// subscribers. Best-effort ordering so early messages are not lost to a
	// not-yet-subscribed consumer; it is not a synchronization guarantee.
	PublisherHeadStart time.Duration

	// SampleInterval is the resource-sampling sweep period.
	SampleInterval time.Duration

	// WaitGrace extends the configured run duration when waiting for
	// subscribers, bounding the wait on a misbehaving worker.
	WaitGrace time.Duration

	// TerminateTimeout bounds each graceful termination before SIGKILL.
	TerminateTimeout time.Duration
}

// NewRunner creates a Runner with default timing.
func NewRunner(bins Binaries, logger zerolog.Logger) *Runner {
	return &Runner{
		bins:               bins,
		logger:             logger,
		sampler:            resources.NewSampler(),
		RegistrySettle:     500 * time.Millisecond,
		PublisherHeadStart: time.Second,
		SampleInterval:     time.Second,
		WaitGrace:          10 * time.Second,
		TerminateTimeout:   5 * time.Second,
	}
}

// publisherSpec describes one publisher worker invocation.
type publisherSpec struct {
	Service        string
	Mode           string // deterministic or poisson
	Hz             float64
	PayloadBytes   int
	PayloadProfile string // empty for fixed
	Seed           int64
	Label          string // log file stem
}

// subscriberSpec describes one subscriber worker invocation.
type subscriberSpec struct {
	Services []string
	Label    string
}

// topology is what a suite builds and runTopology executes.
type topology struct {
	registryAddr string
	durationSecs int
	publishers   []publisherSpec
	subscribers  []subscriberSpec
}

// runTopology drives one full benchmark run: registry, publishers with a
// head start, subscribers, concurrent resource sampling, drain, terminate,
// result extraction. Every spawned worker is registered in a group whose
// teardown in reverse start order is deferred, so cleanup happens on every
// exit path including mid-startup failures.
func (r *Runner) runTopology(ctx context.Context, topo topology, outDir string) (*RunResult, error) {
	group := proc.NewGroup()
	defer group.TerminateAll(r.TerminateTimeout)

	if err := r.startRegistry(group, topo.registryAddr, outDir); err != nil {
		return nil, err
	}
	r.logger.Debug().Dur("settle", r.RegistrySettle).Msg("waiting for registry")
	time.Sleep(r.RegistrySettle)

	pubs := make([]*proc.Process, 0, len(topo.publishers))
	for _, spec := range topo.publishers {
		p, err := r.startPublisher(group, spec, topo, outDir)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}

	time.Sleep(r.PublisherHeadStart)

	subs := make([]*proc.Process, 0, len(topo.subscribers))
	for _, spec := range topo.subscribers {
		p, err := r.startSubscriber(group, spec, topo, outDir)
		if err != nil {
			return nil, err
		}
		subs = append(subs, p)
	}

	r.logger.Info().
		Int("publishers", len(pubs)).
		Int("subscribers", len(subs)).
		Int("duration_secs", topo.durationSecs).
		Msg("topology running")

	// The sampler runs concurrently with the drain below and stops on its
	// own once no subscriber is left running.
	samplesCh := make(chan map[int32][]resources.Sample, 1)
	pids := group.PIDs()
	go func() {
		samplesCh <- r.sampler.CollectWhile(ctx, pids, func() bool {
			return anyRunning(subs)
		}, r.SampleInterval)
	}()

	r.drainSubscribers(ctx, subs, topo.durationSecs)

	// Subscribers define run completion; publishers are cut once they are
	// done, and the registry falls to the deferred group teardown.
	proc.TerminateAll(pubs, r.TerminateTimeout)

	samples := <-samplesCh

	subSummaries := make([]map[string]any, 0, len(subs))
	merged := histogram.Histogram{}
	for i, sub := range subs {
		res := sub.Result()
		summary := res.Summary
		if summary == nil {
			r.logger.Warn().
				Int("subscriber", i).
				Int("exit_code", res.ExitCode).
				Msg("subscriber produced no summary, contributing zero weight")
			summary = map[string]any{}
		}
		subSummaries = append(subSummaries, summary)
		merged = merged.Merge(histogram.FromJSONValue(summary["latency_hist"]))
	}

	result := &RunResult{
		Latency:   merged.Summarize(),
		Resources: r.sampler.Summarize(samples),
		Hist:      merged,
	}
	if len(subSummaries) == 1 {
		result.Subscriber = subSummaries[0]
	} else {
		result.Subscribers = subSummaries
	}

	r.logger.Info().
		Int64("latency_count", result.Latency.Count).
		Int("sampled_processes", len(result.Resources.Processes)).
		Msg("run complete")

	return result, nil
}

func (r *Runner) startRegistry(group *proc.Group, addr, outDir string) error {
	p := proc.New(proc.Spec{
		Path:       r.bins.Registry,
		Args:       []string{"--bind", addr},
		StdoutPath: filepath.Join(outDir, "registry.stdout.log"),
		StderrPath: filepath.Join(outDir, "registry.stderr.log"),
	}, r.logger)
	if err := p.Start(); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	group.Add(p)
	return nil
}

func (r *Runner) startPublisher(group *proc.Group, spec publisherSpec, topo topology, outDir string) (*proc.Process, error) {
	args := []string{
		"publisher",
		"--service", spec.Service,
		"--registry", topo.registryAddr,
		"--duration-secs", strconv.Itoa(topo.durationSecs),
		"--mode", spec.Mode,
		"--hz", strconv.FormatFloat(spec.Hz, 'f', -1, 64),
		"--payload-bytes", strconv.Itoa(spec.PayloadBytes),
	}
	if spec.PayloadProfile != "" {
		args = append(args, "--payload-profile", spec.PayloadProfile)
	}
	args = append(args, "--seed", strconv.FormatInt(spec.Seed, 10))

	p := proc.New(proc.Spec{
		Path:       r.bins.Agent,
		Args:       args,
		StdoutPath: filepath.Join(outDir, spec.Label+".stdout.log"),
		StderrPath: filepath.Join(outDir, spec.Label+".stderr.log"),
	}, r.logger)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Label, err)
	}
	group.Add(p)
	return p, nil
}

func (r *Runner) startSubscriber(group *proc.Group, spec subscriberSpec, topo topology, outDir string) (*proc.Process, error) {
	args := []string{
		"subscriber",
		"--registry", topo.registryAddr,
		"--duration-secs", strconv.Itoa(topo.durationSecs),
	}
	for _, svc := range spec.Services {
		args = append(args, "--service", svc)
	}

	p := proc.New(proc.Spec{
		Path:       r.bins.Agent,
		Args:       args,
		StdoutPath: filepath.Join(outDir, spec.Label+".stdout.log"),
		StderrPath: filepath.Join(outDir, spec.Label+".stderr.log"),
	}, r.logger)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Label, err)
	}
	group.Add(p)
	return p, nil
}

// drainSubscribers waits for each subscriber to finish on its own, bounded
// by the run duration plus the grace period. One that overstays is
// terminated so the run, and the sampling loop keyed on subscriber
// liveness, can make progress.
func (r *Runner) drainSubscribers(ctx context.Context, subs []*proc.Process, durationSecs int) {
	timeout := time.Duration(durationSecs)*time.Second + r.WaitGrace
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i, sub := range subs {
		if err := sub.Wait(waitCtx); err != nil {
			r.logger.Warn().
				Int("subscriber", i).
				Err(err).
				Msg("subscriber did not exit in time, terminating")
			sub.Terminate(r.TerminateTimeout)
		}
	}
}

func anyRunning(procs []*proc.Process) bool {
	for _, p := range procs {
		if p.Running() {
			return true
		}
	}
	return false
}
