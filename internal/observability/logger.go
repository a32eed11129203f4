package observability

import (
	"fmt"

	"github.com/radiords/radiords/internal/logger"
)

// GetLogger returns the telemetry module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}

// promErrorLog adapts promhttp's error log to the module logger.
type promErrorLog struct{}

func (promErrorLog) Println(v ...any) {
	GetLogger().Error("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
