package scenario

import (
	"context"
	"fmt"
)

// Suite names, matching the benchmark plan the worker binaries were built
// for.
const (
	SuiteBaseline = "a1" // one publisher, one subscriber
	SuiteFanOut   = "a2" // one publisher, N subscribers
	SuiteFanIn    = "a3" // N publishers, one subscriber
	SuiteScale    = "a4" // N publishers, M subscribers, k services each
	SuitePoisson  = "b1" // poisson publisher, iot payload profile
	SuiteChaos    = "b2" // a4 topology under poisson load
)

// SuiteParams is the union of the knobs the suites accept; each suite reads
// the fields that apply to it. The zero value is not runnable, callers fill
// in defaults.
type SuiteParams struct {
	RegistryAddr            string  `json:"registry_addr"`
	Service                 string  `json:"service,omitempty"`
	ServicePrefix           string  `json:"service_prefix,omitempty"`
	Publishers              int     `json:"publishers,omitempty"`
	Subscribers             int     `json:"subscribers,omitempty"`
	PublishersPerSubscriber int     `json:"publishers_per_subscriber,omitempty"`
	PayloadBytes            int     `json:"payload_bytes,omitempty"`
	Hz                      float64 `json:"hz,omitempty"`
	HzPerPublisher          float64 `json:"hz_per_publisher,omitempty"`
	LambdaHz                float64 `json:"lambda_hz,omitempty"`
	LambdaHzPerPublisher    float64 `json:"lambda_hz_per_publisher,omitempty"`
	DurationSecs            int     `json:"duration_secs"`
	Poisson                 bool    `json:"poisson,omitempty"`
	Seed                    int64   `json:"seed"`
}

// ValidSuite reports whether name is a known suite.
func ValidSuite(name string) bool {
	switch name {
	case SuiteBaseline, SuiteFanOut, SuiteFanIn, SuiteScale, SuitePoisson, SuiteChaos:
		return true
	}
	return false
}

// ServiceNames expands a prefix into n per-publisher service names.
func ServiceNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s/%04d", prefix, i)
	}
	return names
}

// RunSuiteOnce executes a single repetition of the named suite, writing
// worker captures under outDir.
func (r *Runner) RunSuiteOnce(ctx context.Context, suite string, p SuiteParams, outDir string) (*RunResult, error) {
	switch suite {
	case SuiteBaseline:
		return r.runBaseline(ctx, p, outDir)
	case SuiteFanOut:
		return r.runFanOut(ctx, p, outDir)
	case SuiteFanIn:
		return r.runFanIn(ctx, p, outDir)
	case SuiteScale:
		return r.runScale(ctx, p, outDir)
	case SuitePoisson:
		return r.runPoisson(ctx, p, outDir)
	case SuiteChaos:
		return r.runChaos(ctx, p, outDir)
	default:
		return nil, fmt.Errorf("unknown suite %q", suite)
	}
}

func (r *Runner) runBaseline(ctx context.Context, p SuiteParams, outDir string) (*RunResult, error) {
	mode := "deterministic"
	if p.Poisson {
		mode = "poisson"
	}
	topo := topology{
		registryAddr: p.RegistryAddr,
		durationSecs: p.DurationSecs,
		publishers: []publisherSpec{{
			Service:      p.Service,
			Mode:         mode,
			Hz:           p.Hz,
			PayloadBytes: p.PayloadBytes,
			Seed:         p.Seed,
			Label:        "publisher",
		}},
		subscribers: []subscriberSpec{{
			Services: []string{p.Service},
			Label:    "subscriber",
		}},
	}
	return r.runTopology(ctx, topo, outDir)
}

func (r *Runner) runFanOut(ctx context.Context, p SuiteParams, outDir string) (*RunResult, error) {
	topo := topology{
		registryAddr: p.RegistryAddr,
		durationSecs: p.DurationSecs,
		publishers: []publisherSpec{{
			Service:      p.Service,
			Mode:         "deterministic",
			Hz:           p.Hz,
			PayloadBytes: p.PayloadBytes,
			Seed:         p.Seed,
			Label:        "publisher",
		}},
	}
	for i := 0; i < p.Subscribers; i++ {
		topo.subscribers = append(topo.subscribers, subscriberSpec{
			Services: []string{p.Service},
			Label:    fmt.Sprintf("subscriber-%04d", i),
		})
	}
	return r.runTopology(ctx, topo, outDir)
}

func (r *Runner) runFanIn(ctx context.Context, p SuiteParams, outDir string) (*RunResult, error) {
	services := ServiceNames(p.ServicePrefix, p.Publishers)
	topo := topology{
		registryAddr: p.RegistryAddr,
		durationSecs: p.DurationSecs,
		subscribers: []subscriberSpec{{
			Services: services,
			Label:    "subscriber",
		}},
	}
	for i, svc := range services {
		topo.publishers = append(topo.publishers, publisherSpec{
			Service:      svc,
			Mode:         "deterministic",
			Hz:           p.HzPerPublisher,
			PayloadBytes: p.PayloadBytes,
			Seed:         p.Seed + int64(i),
			Label:        fmt.Sprintf("publisher-%04d", i),
		})
	}
	return r.runTopology(ctx, topo, outDir)
}

func (r *Runner) runScale(ctx context.Context, p SuiteParams, outDir string) (*RunResult, error) {
	return r.runManyToMany(ctx, p, outDir, "deterministic", p.HzPerPublisher, "", p.PayloadBytes)
}

func (r *Runner) runPoisson(ctx context.Context, p SuiteParams, outDir string) (*RunResult, error) {
	topo := topology{
		registryAddr: p.RegistryAddr,
		durationSecs: p.DurationSecs,
		publishers: []publisherSpec{{
			Service:        p.Service,
			Mode:           "poisson",
			Hz:             p.LambdaHz,
			PayloadBytes:   256,
			PayloadProfile: "iot",
			Seed:           p.Seed,
			Label:          "publisher",
		}},
		subscribers: []subscriberSpec{{
			Services: []string{p.Service},
			Label:    "subscriber",
		}},
	}
	return r.runTopology(ctx, topo, outDir)
}

func (r *Runner) runChaos(ctx context.Context, p SuiteParams, outDir string) (*RunResult, error) {
	return r.runManyToMany(ctx, p, outDir, "poisson", p.LambdaHzPerPublisher, "iot", 256)
}

// runManyToMany builds the N-publisher M-subscriber topology shared by the
// scalability and chaos suites: each subscriber listens to k services chosen
// round-robin over the publisher set.
func (r *Runner) runManyToMany(ctx context.Context, p SuiteParams, outDir, mode string, hz float64, payloadProfile string, payloadBytes int) (*RunResult, error) {
	services := ServiceNames(p.ServicePrefix, p.Publishers)
	topo := topology{
		registryAddr: p.RegistryAddr,
		durationSecs: p.DurationSecs,
	}

	for i, svc := range services {
		topo.publishers = append(topo.publishers, publisherSpec{
			Service:        svc,
			Mode:           mode,
			Hz:             hz,
			PayloadBytes:   payloadBytes,
			PayloadProfile: payloadProfile,
			Seed:           p.Seed + int64(i),
			Label:          fmt.Sprintf("publisher-%04d", i),
		})
	}

	perSub := p.PublishersPerSubscriber
	if perSub > len(services) {
		perSub = len(services)
	}
	for i := 0; i < p.Subscribers; i++ {
		chosen := make([]string, 0, perSub)
		for j := 0; j < perSub; j++ {
			chosen = append(chosen, services[(i+j)%len(services)])
		}
		topo.subscribers = append(topo.subscribers, subscriberSpec{
			Services: chosen,
			Label:    fmt.Sprintf("subscriber-%04d", i),
		})
	}

	return r.runTopology(ctx, topo, outDir)
}
