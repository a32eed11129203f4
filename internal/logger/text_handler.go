package logger

import (
	"io"
	"log/slog"
	"time"
)

// newTextHandler returns a console handler without timestamps.
// Time-valued attributes are rendered in tz.
func newTextHandler(w io.Writer, level slog.Level, tz *time.Location) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if a.Value.Kind() == slog.KindTime && tz != nil {
				return slog.Time(a.Key, a.Value.Time().In(tz))
			}
			return replaceLevelName(groups, a)
		},
	})
}

// replaceLevelName prints the custom trace level as TRACE instead of DEBUG-4
func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if len(groups) != 0 || a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level <= traceLevelValue {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}
