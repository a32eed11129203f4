package app

import (
	"context"

	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/scanner"
)

// logConsumer writes presentation messages to the log.
type logConsumer struct {
	log logger.Logger
}

func (c logConsumer) Name() string { return "log" }

func (c logConsumer) ProcessMessage(msg events.Message) error {
	switch msg.Kind {
	case events.KindError:
		if err, ok := msg.Payload.(error); ok {
			c.log.Warn("runtime error", logger.Uint64("seq", msg.Seq), logger.Error(err))
			return nil
		}
		c.log.Warn("runtime error", logger.Uint64("seq", msg.Seq), logger.Any("payload", msg.Payload))
	case events.KindSpectrum, events.KindScanProgress:
		c.log.Trace("event", logger.String("kind", string(msg.Kind)), logger.Uint64("seq", msg.Seq))
	default:
		c.log.Debug("event", logger.String("kind", string(msg.Kind)), logger.Uint64("seq", msg.Seq))
	}
	return nil
}

// Notifier is where scan completion is announced. events.Bus satisfies it.
type Notifier interface {
	TryPublish(kind events.Kind, payload any) bool
}

// Scans wraps the band scanner and announces finished scans.
type Scans struct {
	*scanner.Scanner
	notifier Notifier
}

func newScans(s *scanner.Scanner, n Notifier) *Scans {
	return &Scans{Scanner: s, notifier: n}
}

// Scan runs a full band scan and publishes its report, or the error that
// stopped it.
func (s *Scans) Scan(ctx context.Context) (scanner.Report, error) {
	report, err := s.Scanner.Scan(ctx)
	if err != nil {
		s.notifier.TryPublish(events.KindError, err)
		return report, err
	}
	s.notifier.TryPublish(events.KindScanDone, report)
	return report, nil
}
