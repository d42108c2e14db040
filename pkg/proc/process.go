// Package proc supervises external worker processes: start with output
// capture, non-blocking status polls, bounded waits, graceful-then-forceful
// termination, and extraction of the terminal JSON summary a worker writes
// to its captured stdout.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotStarted is returned by operations that require Start to have been
// called first.
var ErrNotStarted = errors.New("process not started")

// UnknownExitCode is reported while the exit status is not yet known.
const UnknownExitCode = -1

// terminatePollInterval is how often Terminate re-checks for a graceful exit
// before escalating to SIGKILL.
const terminatePollInterval = 50 * time.Millisecond

// LaunchError reports that the worker executable could not be found or
// spawned. It is fatal to the run and never retried.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Status is the non-blocking view of a process's lifecycle.
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusExited
)

// Spec describes one external program invocation. Env entries override the
// inherited environment on key collision. Stdout and stderr are redirected
// to the two sink paths; parent directories are created on Start.
type Spec struct {
	Path       string
	Args       []string
	Env        map[string]string
	Dir        string
	StdoutPath string
	StderrPath string
}

// Result is the post-exit view of a process: its exit code (UnknownExitCode
// until the process has exited) and the last JSON object line it wrote to
// stdout, nil if it never wrote one.
type Result struct {
	ExitCode int            `json:"exit_code"`
	Summary  map[string]any `json:"summary,omitempty"`
}

// Process wraps one external program invocation. Start may be called at
// most once; all other methods are safe before Start and report not-started
// instead of acting.
type Process struct {
	spec   Spec
	logger zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	done     chan struct{}
	exitCode int
}

// New creates an unstarted process from spec.
func New(spec Spec, logger zerolog.Logger) *Process {
	return &Process{
		spec:     spec,
		logger:   logger,
		exitCode: UnknownExitCode,
	}
}

// Start spawns the external program with stdout/stderr redirected to the
// spec's sink files. It fails with *LaunchError if the executable cannot be
// spawned; sink creation failures are reported as plain errors.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process already started: %s", p.spec.Path)
	}

	stdout, err := openSink(p.spec.StdoutPath)
	if err != nil {
		return fmt.Errorf("create stdout sink: %w", err)
	}
	stderr, err := openSink(p.spec.StderrPath)
	if err != nil {
		stdout.Close()
		return fmt.Errorf("create stderr sink: %w", err)
	}

	cmd := exec.Command(p.spec.Path, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	cmd.Env = mergedEnv(p.spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return &LaunchError{Path: p.spec.Path, Err: err}
	}

	p.cmd = cmd
	p.started = true
	p.done = make(chan struct{})

	p.logger.Debug().
		Str("path", p.spec.Path).
		Int("pid", cmd.Process.Pid).
		Msg("process started")

	go p.reap(stdout, stderr)

	return nil
}

// reap waits for the process to exit, records its exit code and closes the
// capture sinks. It owns the done channel.
func (p *Process) reap(stdout, stderr *os.File) {
	err := p.cmd.Wait()

	code := UnknownExitCode
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	stdout.Close()
	stderr.Close()

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		// Nonzero exits and kills surface here; workers are expected to be
		// signalled, so this is not an error condition of the engine.
		p.logger.Debug().
			Str("path", p.spec.Path).
			Int("exit_code", code).
			Err(err).
			Msg("process exited")
	}
}

// PID returns the OS process id. The second return is false before Start.
func (p *Process) PID() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return 0, false
	}
	return int32(p.cmd.Process.Pid), true
}

// Poll reports the current lifecycle state without blocking.
func (p *Process) Poll() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return StatusNotStarted
	}
	select {
	case <-p.done:
		return StatusExited
	default:
		return StatusRunning
	}
}

// Running reports whether the process has been started and not yet exited.
func (p *Process) Running() bool {
	return p.Poll() == StatusRunning
}

// Wait blocks until the process exits or ctx is done, whichever comes
// first. It returns ErrNotStarted before Start and the context error on
// timeout or cancellation.
func (p *Process) Wait(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate sends SIGTERM and polls for exit until timeout elapses, then
// sends SIGKILL without waiting further. It is idempotent: a process that
// was never started or has already exited is left alone, and a process that
// disappears between signals counts as terminated.
func (p *Process) Terminate(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	done := p.done
	cmd := p.cmd
	p.mu.Unlock()

	select {
	case <-done:
		return
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		p.logger.Warn().
			Str("path", p.spec.Path).
			Err(err).
			Msg("SIGTERM failed")
	}

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-done:
			return
		case <-time.After(terminatePollInterval):
			if time.Now().Before(deadline) {
				continue
			}
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Warn().
					Str("path", p.spec.Path).
					Err(err).
					Msg("SIGKILL failed")
			}
			return
		}
	}
}

// Result reads back the captured stdout and returns the exit code together
// with the worker's terminal JSON summary. A worker that emitted no
// parseable summary yields a nil Summary, never an error; aggregation
// proceeds without its contribution.
func (p *Process) Result() Result {
	code := UnknownExitCode
	p.mu.Lock()
	if p.started {
		select {
		case <-p.done:
			code = p.exitCode
		default:
		}
	}
	p.mu.Unlock()

	return Result{
		ExitCode: code,
		Summary:  lastJSONLine(p.spec.StdoutPath),
	}
}

// lastJSONLine scans every line of the capture file and keeps the last one
// that parses as a JSON object. Progress lines and JSON-looking lines that
// fail to parse are skipped.
func lastJSONLine(path string) map[string]any {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// Summary lines carry full histograms and can run long.
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var last map[string]any
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		last = obj
	}
	return last
}

func openSink(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// mergedEnv layers overrides on top of the inherited environment. Later
// duplicate keys win when the command is executed.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
