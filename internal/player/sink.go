package player

import (
	"os"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/supervisor"
)

// processSink feeds a spawned process on its stdin. It is the router's
// playback sink.
type processSink struct {
	sup    *supervisor.Supervisor
	handle *supervisor.Handle
	once   sync.Once
}

func newProcessSink(sup *supervisor.Supervisor, h *supervisor.Handle) *processSink {
	return &processSink{sup: sup, handle: h}
}

func (s *processSink) Write(p []byte) (int, error) {
	if !s.handle.Live() {
		return 0, os.ErrClosed
	}
	n, err := s.handle.Stdin().Write(p)
	if err != nil {
		s.handle.MarkDead()
	}
	return n, err
}

// Close ends the sink's input and lets it drain for up to the supervisor's
// graceful timeout before terminating it. It does not wait.
func (s *processSink) Close() error {
	var err error
	s.once.Do(func() {
		err = s.handle.CloseStdin()
		h := s.handle
		s.sup.Go("drain "+h.Name(), func() {
			select {
			case <-h.Exited():
			case <-time.After(s.sup.GracefulTimeout()):
			}
			s.sup.Terminate(h)
		})
	})
	return err
}
