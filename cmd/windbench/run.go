package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"windbench/pkg/bench"
	"windbench/pkg/results"
	"windbench/pkg/scenario"
)

// runOptions are the knobs shared by every suite.
type runOptions struct {
	registryBin  string
	agentBin     string
	resultsDir   string
	registryAddr string
	durationSecs int
	seed         int64
	runs         int
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a benchmark suite and write its artifacts",
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.registryBin, "registry-bin", "./bin/wind-registry", "path to the registry binary")
	pf.StringVar(&opts.agentBin, "agent-bin", "./bin/wind-agent", "path to the agent binary")
	pf.StringVar(&opts.resultsDir, "results-dir", "./results", "directory run artifacts are written under")
	pf.StringVar(&opts.registryAddr, "registry-addr", "127.0.0.1:7001", "address the registry binds")
	pf.IntVar(&opts.durationSecs, "duration-secs", 5, "measurement window per repetition in seconds")
	pf.Int64Var(&opts.seed, "seed", 1, "base RNG seed, repetition i uses seed+i")
	pf.IntVar(&opts.runs, "runs", 5, "repetitions per suite")

	cmd.AddCommand(
		newBaselineCmd(opts),
		newFanOutCmd(opts),
		newFanInCmd(opts),
		newScaleCmd(opts),
		newPoissonCmd(opts),
		newChaosCmd(opts),
	)
	return cmd
}

func newBaselineCmd(opts *runOptions) *cobra.Command {
	var (
		service      string
		payloadBytes int
		hz           float64
		poisson      bool
	)
	cmd := &cobra.Command{
		Use:   "a1",
		Short: "One publisher, one subscriber at a fixed rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeSuite(opts, scenario.SuiteBaseline, scenario.SuiteParams{
				Service:      service,
				PayloadBytes: payloadBytes,
				Hz:           hz,
				Poisson:      poisson,
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "BENCH/A1/LATENCY", "service the pair communicates on")
	cmd.Flags().IntVar(&payloadBytes, "payload-bytes", 256, "payload size")
	cmd.Flags().Float64Var(&hz, "hz", 1000, "publish rate")
	cmd.Flags().BoolVar(&poisson, "poisson", false, "use poisson inter-arrival times instead of a fixed period")
	return cmd
}

func newFanOutCmd(opts *runOptions) *cobra.Command {
	var (
		service      string
		subscribers  int
		payloadBytes int
		hz           float64
	)
	cmd := &cobra.Command{
		Use:   "a2",
		Short: "One publisher fanning out to N subscribers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeSuite(opts, scenario.SuiteFanOut, scenario.SuiteParams{
				Service:      service,
				Subscribers:  subscribers,
				PayloadBytes: payloadBytes,
				Hz:           hz,
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "BENCH/A2/FANOUT", "service all subscribers attach to")
	cmd.Flags().IntVar(&subscribers, "subscribers", 10, "subscriber count")
	cmd.Flags().IntVar(&payloadBytes, "payload-bytes", 1024, "payload size")
	cmd.Flags().Float64Var(&hz, "hz", 10000, "publish rate")
	return cmd
}

func newFanInCmd(opts *runOptions) *cobra.Command {
	var (
		servicePrefix  string
		publishers     int
		payloadBytes   int
		hzPerPublisher float64
	)
	cmd := &cobra.Command{
		Use:   "a3",
		Short: "N publishers fanning in to one subscriber",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeSuite(opts, scenario.SuiteFanIn, scenario.SuiteParams{
				ServicePrefix:  servicePrefix,
				Publishers:     publishers,
				PayloadBytes:   payloadBytes,
				HzPerPublisher: hzPerPublisher,
			})
		},
	}
	cmd.Flags().StringVar(&servicePrefix, "service-prefix", "BENCH/A3/FANIN", "per-publisher service name prefix")
	cmd.Flags().IntVar(&publishers, "publishers", 10, "publisher count")
	cmd.Flags().IntVar(&payloadBytes, "payload-bytes", 1024, "payload size")
	cmd.Flags().Float64Var(&hzPerPublisher, "hz-per-publisher", 1000, "publish rate per publisher")
	return cmd
}

func newScaleCmd(opts *runOptions) *cobra.Command {
	var (
		servicePrefix  string
		publishers     int
		subscribers    int
		perSubscriber  int
		payloadBytes   int
		hzPerPublisher float64
	)
	cmd := &cobra.Command{
		Use:   "a4",
		Short: "N publishers, M subscribers, k services per subscriber",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeSuite(opts, scenario.SuiteScale, scenario.SuiteParams{
				ServicePrefix:           servicePrefix,
				Publishers:              publishers,
				Subscribers:             subscribers,
				PublishersPerSubscriber: perSubscriber,
				PayloadBytes:            payloadBytes,
				HzPerPublisher:          hzPerPublisher,
			})
		},
	}
	cmd.Flags().StringVar(&servicePrefix, "service-prefix", "BENCH/A4/SCALE", "per-publisher service name prefix")
	cmd.Flags().IntVar(&publishers, "publishers", 10, "publisher count")
	cmd.Flags().IntVar(&subscribers, "subscribers", 100, "subscriber count")
	cmd.Flags().IntVar(&perSubscriber, "publishers-per-subscriber", 10, "services each subscriber attaches to")
	cmd.Flags().IntVar(&payloadBytes, "payload-bytes", 1024, "payload size")
	cmd.Flags().Float64Var(&hzPerPublisher, "hz-per-publisher", 1000, "publish rate per publisher")
	return cmd
}

func newPoissonCmd(opts *runOptions) *cobra.Command {
	var (
		service  string
		lambdaHz float64
	)
	cmd := &cobra.Command{
		Use:   "b1",
		Short: "One pair under poisson load with the iot payload profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeSuite(opts, scenario.SuitePoisson, scenario.SuiteParams{
				Service:  service,
				LambdaHz: lambdaHz,
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "BENCH/B1/LATENCY", "service the pair communicates on")
	cmd.Flags().Float64Var(&lambdaHz, "lambda-hz", 10000, "mean publish rate")
	return cmd
}

func newChaosCmd(opts *runOptions) *cobra.Command {
	var (
		servicePrefix        string
		publishers           int
		subscribers          int
		perSubscriber        int
		lambdaHzPerPublisher float64
	)
	cmd := &cobra.Command{
		Use:   "b2",
		Short: "Scale topology under poisson load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeSuite(opts, scenario.SuiteChaos, scenario.SuiteParams{
				ServicePrefix:           servicePrefix,
				Publishers:              publishers,
				Subscribers:             subscribers,
				PublishersPerSubscriber: perSubscriber,
				LambdaHzPerPublisher:    lambdaHzPerPublisher,
			})
		},
	}
	cmd.Flags().StringVar(&servicePrefix, "service-prefix", "BENCH/B2/CHAOS", "per-publisher service name prefix")
	cmd.Flags().IntVar(&publishers, "publishers", 10, "publisher count")
	cmd.Flags().IntVar(&subscribers, "subscribers", 50, "subscriber count")
	cmd.Flags().IntVar(&perSubscriber, "publishers-per-subscriber", 10, "services each subscriber attaches to")
	cmd.Flags().Float64Var(&lambdaHzPerPublisher, "lambda-hz-per-publisher", 1000, "mean publish rate per publisher")
	return cmd
}

// executeSuite runs one suite synchronously and prints the run directory on
// success so callers can script against it.
func executeSuite(opts *runOptions, suite string, p scenario.SuiteParams) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	p.RegistryAddr = opts.registryAddr
	p.DurationSecs = opts.durationSecs
	p.Seed = opts.seed

	store, err := results.NewFileStore[bench.StoredRun](filepath.Join(opts.resultsDir, ".index"))
	if err != nil {
		return fmt.Errorf("open run index: %w", err)
	}
	runner := scenario.NewRunner(scenario.Binaries{
		Registry: opts.registryBin,
		Agent:    opts.agentBin,
	}, logger)
	svc := bench.NewService(store, opts.resultsDir, runner.RunSuiteOnce, logger)

	id := results.RunID(suite, time.Now().UTC())
	if err := svc.Start(id, suite, p, opts.runs); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Wait(ctx); err != nil {
		logger.Warn().Str("runId", id).Msg("interrupted, stopping run")
		if err := svc.Stop(); err == nil {
			_ = svc.Wait(context.Background())
		}
	}

	stored, err := svc.Get(id)
	if err != nil {
		return fmt.Errorf("load run %s: %w", id, err)
	}
	switch stored.Info.Status {
	case bench.StatusCompleted:
		logger.Info().Str("runId", id).Int("repetitions", stored.Info.Completed).Msg("suite finished")
	case bench.StatusStopped:
		logger.Warn().Str("runId", id).Int("repetitions", stored.Info.Completed).Msg("run stopped early")
	default:
		return fmt.Errorf("run %s failed: %s", id, stored.Info.Error)
	}

	fmt.Println(filepath.Join(opts.resultsDir, id))
	return nil
}
