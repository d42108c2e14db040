// Package resources samples resident memory and CPU time for a set of
// worker process ids while a benchmark run is in flight. Readings are best
// effort: a field that cannot be read at an instant is recorded as absent,
// never as zero, and a pid that vanished mid-run keeps producing all-absent
// samples without stopping the loop.
package resources

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/tklauser/go-sysconf"
)

// fallbackClockTicks is used when SC_CLK_TCK cannot be queried.
const fallbackClockTicks = 100

// Sample is one best-effort reading for one process at one instant. Nil
// fields mean the value could not be read, which is distinct from a true
// zero.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	RSSKb       *int64    `json:"rss_kb"`
	UserTicks   *int64    `json:"utime_ticks"`
	SystemTicks *int64    `json:"stime_ticks"`
}

// ProcessUsage aggregates one process's sample series. MaxRSSKb is nil if
// resident memory was never readable for the process.
type ProcessUsage struct {
	MaxRSSKb *int64   `json:"max_rss_kb"`
	Samples  []Sample `json:"samples"`
}

// Summary is the per-run resource report. CPU tick fields in the raw series
// are convertible to seconds via ClockTicks.
type Summary struct {
	ClockTicks int64                  `json:"clk_tck"`
	Processes  map[int32]ProcessUsage `json:"processes"`
}

// Sampler reads per-process resource counters from the OS.
type Sampler struct {
	clockTicks int64
}

// NewSampler creates a sampler, resolving the kernel's clock-tick rate once
// up front.
func NewSampler() *Sampler {
	return &Sampler{clockTicks: clockTicks()}
}

func clockTicks() int64 {
	clkTck, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clkTck <= 0 {
		return fallbackClockTicks
	}
	return clkTck
}

// ClockTicks returns the kernel clock ticks per second used for CPU fields.
func (s *Sampler) ClockTicks() int64 {
	return s.clockTicks
}

// SampleOnce reads one process's resident memory and accumulated CPU ticks
// at the current instant. Each field is independently absent on a read
// failure; SampleOnce itself never fails.
func (s *Sampler) SampleOnce(ctx context.Context, pid int32) Sample {
	sample := Sample{Timestamp: time.Now()}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return sample
	}

	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss := int64(mem.RSS / 1024)
		sample.RSSKb = &rss
	}

	if times, err := proc.TimesWithContext(ctx); err == nil && times != nil {
		user := int64(times.User * float64(s.clockTicks))
		system := int64(times.System * float64(s.clockTicks))
		sample.UserTicks = &user
		sample.SystemTicks = &system
	}

	return sample
}

// CollectWhile samples every pid once per iteration, sleeping interval
// between sweeps, until shouldContinue reports false. The predicate is the
// loop's only cancellation mechanism; the caller ties it to worker liveness
// and is responsible for it eventually turning false. The returned series
// are owned exclusively by this loop until it returns, so no locking is
// needed around them.
func (s *Sampler) CollectWhile(ctx context.Context, pids []int32, shouldContinue func() bool, interval time.Duration) map[int32][]Sample {
	series := make(map[int32][]Sample, len(pids))
	for _, pid := range pids {
		series[pid] = []Sample{}
	}

	for shouldContinue() {
		for _, pid := range pids {
			series[pid] = append(series[pid], s.SampleOnce(ctx, pid))
		}
		time.Sleep(interval)
	}

	return series
}

// Summarize reduces the collected series to the per-run resource report:
// the maximum of the non-absent resident-memory readings per process,
// alongside the raw series.
func (s *Sampler) Summarize(series map[int32][]Sample) Summary {
	summary := Summary{
		ClockTicks: s.clockTicks,
		Processes:  make(map[int32]ProcessUsage, len(series)),
	}

	for pid, samples := range series {
		var maxRSS *int64
		for _, sample := range samples {
			if sample.RSSKb == nil {
				continue
			}
			if maxRSS == nil || *sample.RSSKb > *maxRSS {
				v := *sample.RSSKb
				maxRSS = &v
			}
		}
		summary.Processes[pid] = ProcessUsage{MaxRSSKb: maxRSS, Samples: samples}
	}

	return summary
}
