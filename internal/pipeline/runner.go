// Package pipeline owns long-running external processes: build pipelines
// and the Hugo dev server. Process output is streamed line by line to the
// hub, exits produce terminal messages, and shutdown escalates SIGTERM to
// SIGKILL after a bounded grace so no orphans survive the control plane.
package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/conductor/internal/hub"
)

// DefaultKillGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Broadcaster is the slice of the hub the runner needs.
type Broadcaster interface {
	Broadcast(msg hub.Message)
}

// Kind selects which message family a process reports through.
type Kind string

const (
	KindPipeline Kind = "pipeline"
	KindHugo     Kind = "hugo"
)

// Options configures a managed process.
type Options struct {
	Kind Kind
	Dir  string
	Env  []string
	// URL is announced in hugo-started for dev servers.
	URL string
}

// ErrAlreadyRunning is returned when starting a name that is still live.
var ErrAlreadyRunning = errors.New("process already running")

// ErrNotRunning is returned when stopping an unknown name.
var ErrNotRunning = errors.New("process not running")

type process struct {
	name string
	cmd  *exec.Cmd
	kind Kind
	done chan struct{}
}

// Runner manages named external processes.
type Runner struct {
	mu          sync.Mutex
	procs       map[string]*process
	grace       time.Duration
	broadcaster Broadcaster
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewRunner creates a runner. grace <= 0 selects the default.
func NewRunner(broadcaster Broadcaster, grace time.Duration, logger *slog.Logger) *Runner {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		procs:       make(map[string]*process),
		grace:       grace,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Start launches a named process. The name must not already be running.
func (r *Runner) Start(name, command string, args []string, opts Options) error {
	if opts.Kind == "" {
		opts.Kind = KindPipeline
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout for %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe stderr for %s: %w", name, err)
	}

	r.mu.Lock()
	if _, ok := r.procs[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	p := &process{name: name, cmd: cmd, kind: opts.Kind, done: make(chan struct{})}
	r.procs[name] = p
	r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		r.mu.Lock()
		delete(r.procs, name)
		r.mu.Unlock()
		r.announceError(p, err)
		return fmt.Errorf("start %s: %w", name, err)
	}

	r.logger.Info("process started", "name", name, "kind", string(opts.Kind), "pid", cmd.Process.Pid)
	switch opts.Kind {
	case KindHugo:
		r.broadcast(hub.NewHugoStarted(opts.URL))
	default:
		r.broadcast(hub.NewPipelineStart(name))
	}

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		r.streamLines(p, "stdout", bufio.NewScanner(stdout))
	}()
	go func() {
		defer scanners.Done()
		r.streamLines(p, "stderr", bufio.NewScanner(stderr))
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		scanners.Wait()
		err := cmd.Wait()
		exitCode := cmd.ProcessState.ExitCode()

		r.mu.Lock()
		delete(r.procs, name)
		r.mu.Unlock()
		close(p.done)

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				r.announceError(p, err)
				return
			}
		}
		r.logger.Info("process exited", "name", name, "exit_code", exitCode)
		switch p.kind {
		case KindHugo:
			r.broadcast(hub.NewHugoStopped(exitCode))
		default:
			r.broadcast(hub.NewPipelineComplete(name, exitCode))
		}
	}()
	return nil
}

func (r *Runner) streamLines(p *process, stream string, scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.broadcast(hub.NewPipelineOutput(p.name, stream, scanner.Text()))
	}
}

func (r *Runner) announceError(p *process, err error) {
	r.logger.Error("process failed", "name", p.name, "error", err)
	switch p.kind {
	case KindHugo:
		r.broadcast(hub.NewHugoError(err))
	default:
		r.broadcast(hub.NewPipelineError(p.name, err))
	}
}

// Stop terminates a named process: SIGTERM, then SIGKILL after the grace
// period. It returns once the process has exited.
func (r *Runner) Stop(name string) error {
	r.mu.Lock()
	p, ok := r.procs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		<-p.done
		return nil
	}

	select {
	case <-p.done:
	case <-time.After(r.grace):
		r.logger.Warn("process ignored SIGTERM, killing", "name", name)
		_ = p.cmd.Process.Kill() //nolint:errcheck
		<-p.done
	}
	return nil
}

// StopAll terminates every managed process and waits for exits to flush.
func (r *Runner) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		_ = r.Stop(name) //nolint:errcheck
	}
	r.wg.Wait()
}

// Running lists the names of live processes.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.procs))
	for name := range r.procs {
		out = append(out, name)
	}
	return out
}

func (r *Runner) broadcast(msg hub.Message) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(msg)
	}
}
