package supervisor

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is one running external pipeline. The supervisor owns its pipe
// endpoints; they are closed exactly once, on termination or on Close.
type Handle struct {
	name      string
	command   string
	cmd       *exec.Cmd
	pid       int
	pgid      int
	startedAt time.Time

	stdin  *os.File
	stdout *os.File
	stderr *tailBuffer

	live     atomic.Bool
	exited   chan struct{} // closed once Wait returns
	waitErr  error
	termDone chan struct{} // closed when termination completed

	stdinOnce  sync.Once
	pipesOnce  sync.Once
	termOnce   sync.Once
	forcedKill atomic.Bool
}

// Name returns the label given at spawn time.
func (h *Handle) Name() string { return h.name }

// Command returns the command line, for logs.
func (h *Handle) Command() string { return h.command }

// PID returns the leader process ID.
func (h *Handle) PID() int { return h.pid }

// PGID returns the process group ID, or 0 where groups are unsupported.
func (h *Handle) PGID() int { return h.pgid }

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Live reports whether the handle may still be read from or written to.
func (h *Handle) Live() bool { return h.live.Load() }

// Stdin returns the write end of the process input, or nil.
func (h *Handle) Stdin() io.Writer {
	if h.stdin == nil {
		return nil
	}
	return h.stdin
}

// Stdout returns the read end of the process output, or nil.
func (h *Handle) Stdout() io.Reader {
	if h.stdout == nil {
		return nil
	}
	return h.stdout
}

// Exited is closed once the leader process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Terminated is closed once a termination request has finished.
func (h *Handle) Terminated() <-chan struct{} { return h.termDone }

// ExitErr returns the Wait result. Valid after Exited is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.exited:
		return h.waitErr
	default:
		return nil
	}
}

// Forced reports whether termination had to escalate to a kill.
func (h *Handle) Forced() bool { return h.forcedKill.Load() }

// StderrTail returns the last bytes the pipeline wrote to stderr.
func (h *Handle) StderrTail() string {
	if h.stderr == nil {
		return ""
	}
	return h.stderr.String()
}

// CloseStdin closes the input pipe so the process sees EOF. Safe to call
// more than once and concurrently with termination.
func (h *Handle) CloseStdin() error {
	var err error
	h.stdinOnce.Do(func() {
		if h.stdin != nil {
			err = h.stdin.Close()
		}
	})
	return err
}

// MarkDead clears the liveness flag without signalling the process. Used by
// writers that observed a broken pipe.
func (h *Handle) MarkDead() {
	h.live.Store(false)
}

// closePipes closes every owned endpoint exactly once.
func (h *Handle) closePipes() {
	h.pipesOnce.Do(func() {
		_ = h.CloseStdin()
		if h.stdout != nil {
			_ = h.stdout.Close()
		}
	})
}

func (h *Handle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]byte, 0, max)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
