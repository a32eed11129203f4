// Package supervisor spawns external pipelines as process groups and tears
// them down with a graceful signal followed by a forced kill.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

const (
	// DefaultGracefulTimeout is how long a group gets to exit after SIGTERM.
	DefaultGracefulTimeout = time.Second
	// DefaultKillWait is how long to wait for the group after SIGKILL.
	DefaultKillWait = 500 * time.Millisecond

	stderrTailBytes   = 4096
	groupPollInterval = 20 * time.Millisecond
	// waitDelay bounds how long Wait keeps draining stderr after the leader exits
	waitDelay = 2 * time.Second
)

// GetLogger returns the supervisor module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("supervisor")
}

// Spec describes a process to spawn.
type Spec struct {
	Name   string   // label for logs and metrics
	Path   string   // executable
	Args   []string // arguments
	Stdin  bool     // create an input pipe
	Stdout bool     // create an output pipe
	Dir    string
	Env    []string
}

// Shell returns a Spec that runs commandLine through sh -c, so pipelines
// like "rtl_fm ... | redsea" share one process group.
func Shell(name, commandLine string) Spec {
	return Spec{Name: name, Path: "sh", Args: []string{"-c", commandLine}}
}

// WithStdin returns a copy of s with an input pipe.
func (s Spec) WithStdin() Spec { s.Stdin = true; return s }

// WithStdout returns a copy of s with an output pipe.
func (s Spec) WithStdout() Spec { s.Stdout = true; return s }

func (s Spec) commandLine() string {
	if s.Path == "sh" && len(s.Args) == 2 && s.Args[0] == "-c" {
		return s.Args[1]
	}
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTimeouts overrides the graceful and kill waits.
func WithTimeouts(graceful, killWait time.Duration) Option {
	return func(s *Supervisor) {
		if graceful > 0 {
			s.gracefulTimeout = graceful
		}
		if killWait > 0 {
			s.killWait = killWait
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Supervisor) { s.metrics = metrics.OrNoOp(r) }
}

// WithLiveGauge registers a callback receiving the tracked pipeline count.
func WithLiveGauge(fn func(int)) Option {
	return func(s *Supervisor) { s.liveGauge = fn }
}

// Supervisor tracks every pipeline it spawned and every detached task it
// started, so shutdown can sweep them and join opportunistically.
type Supervisor struct {
	gracefulTimeout time.Duration
	killWait        time.Duration
	metrics         metrics.Recorder
	liveGauge       func(int)
	log             logger.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}

	tasks sync.WaitGroup
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		gracefulTimeout: DefaultGracefulTimeout,
		killWait:        DefaultKillWait,
		metrics:         metrics.NewNoOpRecorder(),
		log:             GetLogger(),
		handles:         make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GracefulTimeout returns the configured graceful wait.
func (s *Supervisor) GracefulTimeout() time.Duration { return s.gracefulTimeout }

// Spawn starts spec as a new process group leader.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	if spec.Name == "" {
		spec.Name = spec.Path
	}
	h := &Handle{
		name:     spec.Name,
		command:  spec.commandLine(),
		stderr:   newTailBuffer(stderrTailBytes),
		exited:   make(chan struct{}),
		termDone: make(chan struct{}),
	}

	cmd := exec.Command(spec.Path, spec.Args...) //nolint:gosec // commands come from operator configuration
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stderr = h.stderr
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)

	// Child ends are closed in the parent once the child has inherited them.
	var childEnds []*os.File
	closeChildEnds := func() {
		for _, f := range childEnds {
			_ = f.Close()
		}
	}

	if spec.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, s.spawnError(spec, fmt.Errorf("create stdin pipe: %w", err))
		}
		cmd.Stdin = r
		h.stdin = w
		childEnds = append(childEnds, r)
	}
	if spec.Stdout {
		r, w, err := os.Pipe()
		if err != nil {
			closeChildEnds()
			h.closePipes()
			return nil, s.spawnError(spec, fmt.Errorf("create stdout pipe: %w", err))
		}
		cmd.Stdout = w
		h.stdout = r
		childEnds = append(childEnds, w)
	}

	err := cmd.Start()
	closeChildEnds()
	if err != nil {
		h.closePipes()
		return nil, s.spawnError(spec, err)
	}

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.pgid = groupID(h.pid)
	h.startedAt = time.Now()
	h.live.Store(true)

	// The reaper always runs so the leader never lingers as a zombie, even
	// if nobody ever terminates the handle.
	go func() {
		h.waitErr = cmd.Wait()
		h.live.Store(false)
		close(h.exited)
	}()

	s.track(h)
	s.metrics.RecordOperation(metrics.OpSpawn, metrics.StatusSuccess)
	s.log.Debug("pipeline spawned",
		logger.String("name", h.name),
		logger.String("command", h.command),
		logger.Int("pid", h.pid),
		logger.Int("pgid", h.pgid))

	return h, nil
}

func (s *Supervisor) spawnError(spec Spec, err error) error {
	s.metrics.RecordOperation(metrics.OpSpawn, metrics.StatusError)
	s.metrics.RecordError(metrics.OpSpawn, string(errors.CategoryPipelineSpawn))
	return errors.New(fmt.Errorf("spawn %s: %w", spec.Name, err)).
		Component("supervisor").
		Category(errors.CategoryPipelineSpawn).
		ProcessContext(spec.commandLine(), 0).
		Build()
}

// Terminate stops h with the configured graceful timeout and blocks until done.
func (s *Supervisor) Terminate(h *Handle) {
	s.TerminateWithin(h, s.gracefulTimeout)
}

// TerminateWithin signals the group, waits up to graceful, then kills the
// group. It never returns an error: escalation always ends the group.
// Concurrent and repeated calls all wait for the same teardown.
func (s *Supervisor) TerminateWithin(h *Handle, graceful time.Duration) {
	if h == nil {
		return
	}
	h.termOnce.Do(func() { s.terminate(h, graceful) })
	<-h.termDone
}

// TerminateAsync starts termination on a background task and returns a
// channel closed when it has finished.
func (s *Supervisor) TerminateAsync(h *Handle) <-chan struct{} {
	if h == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	s.Go("terminate "+h.name, func() { s.Terminate(h) })
	return h.termDone
}

// TerminateAll requests asynchronous termination of every tracked pipeline
// and returns how many were requested.
func (s *Supervisor) TerminateAll() int {
	live := s.Live()
	for _, h := range live {
		s.TerminateAsync(h)
	}
	return len(live)
}

func (s *Supervisor) terminate(h *Handle, graceful time.Duration) {
	start := time.Now()
	h.live.Store(false)
	log := s.log.With(logger.String("name", h.name), logger.Int("pid", h.pid), logger.Int("pgid", h.pgid))

	if err := signalGroup(h, true); err != nil {
		log.Debug("graceful signal failed", logger.Error(err))
	}

	status := metrics.StatusSuccess
	if !s.waitGone(h, graceful) {
		h.forcedKill.Store(true)
		status = metrics.StatusForced
		// Escalation is internal; the timeout is recorded, never returned.
		s.metrics.RecordError(metrics.OpTerminate, string(errors.CategoryTerminationTimeout))
		log.Debug("graceful termination timed out, killing group", logger.Duration("graceful_timeout", graceful))

		if err := signalGroup(h, false); err != nil {
			log.Warn("kill signal failed", logger.Error(err))
		}
		if !s.waitGone(h, s.killWait) {
			// The reaper goroutine still collects the leader when it finally exits.
			log.Warn("process group still present after kill", logger.Duration("kill_wait", s.killWait))
		}
	}

	h.closePipes()
	s.untrack(h)

	elapsed := time.Since(start)
	s.metrics.RecordOperation(metrics.OpTerminate, status)
	s.metrics.RecordDuration(metrics.OpTerminate, elapsed.Seconds())
	log.Debug("pipeline terminated", logger.Bool("forced", h.Forced()), logger.Duration("elapsed", elapsed))

	close(h.termDone)
}

// waitGone waits until the leader is reaped and no group member is left.
func (s *Supervisor) waitGone(h *Handle, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()

	for {
		if h.hasExited() && !groupAlive(h) {
			return true
		}
		select {
		case <-timer.C:
			return h.hasExited() && !groupAlive(h)
		case <-h.exited:
		case <-ticker.C:
		}
	}
}

// Go runs fn as a tracked background task.
func (s *Supervisor) Go(name string, fn func()) {
	s.tasks.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked",
					logger.String("task", name),
					logger.Any("panic", r))
			}
		}()
		fn()
	})
}

// Join waits for background tasks until ctx is done.
func (s *Supervisor) Join(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Live returns a snapshot of tracked handles.
func (s *Supervisor) Live() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		out = append(out, h)
	}
	return out
}

// Count returns the number of tracked pipelines.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Supervisor) track(h *Handle) {
	s.mu.Lock()
	s.handles[h] = struct{}{}
	n := len(s.handles)
	s.mu.Unlock()
	if s.liveGauge != nil {
		s.liveGauge(n)
	}
}

func (s *Supervisor) untrack(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	n := len(s.handles)
	s.mu.Unlock()
	if s.liveGauge != nil {
		s.liveGauge(n)
	}
}

// ProcessStats describes resource use of one tracked pipeline leader.
type ProcessStats struct {
	Name       string        `json:"name"`
	Command    string        `json:"command"`
	PID        int           `json:"pid"`
	PGID       int           `json:"pgid"`
	Uptime     time.Duration `json:"uptime"`
	RSSBytes   uint64        `json:"rss_bytes"`
	CPUPercent float64       `json:"cpu_percent"`
	Children   int           `json:"children"`
}

// Stats samples every tracked pipeline. Processes that vanish while
// sampling are reported with zero usage.
func (s *Supervisor) Stats() []ProcessStats {
	live := s.Live()
	out := make([]ProcessStats, 0, len(live))
	for _, h := range live {
		st := ProcessStats{
			Name:    h.name,
			Command: h.command,
			PID:     h.pid,
			PGID:    h.pgid,
			Uptime:  time.Since(h.startedAt),
		}
		if p, err := process.NewProcess(int32(h.pid)); err == nil { //nolint:gosec // pids fit in int32
			if mem, err := p.MemoryInfo(); err == nil {
				st.RSSBytes = mem.RSS
			}
			if cpu, err := p.CPUPercent(); err == nil {
				st.CPUPercent = cpu
			}
			if children, err := p.Children(); err == nil {
				st.Children = len(children)
			}
		}
		out = append(out, st)
	}
	return out
}

// ProcessGroupsSupported reports whether group signalling is available.
func ProcessGroupsSupported() bool { return processGroupsSupported }
