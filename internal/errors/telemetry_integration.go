// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// ErrorHook is called for every built error while reporting is active.
type ErrorHook func(ee *EnhancedError)

var (
	globalTelemetryReporter TelemetryReporter
	errorHooks              []ErrorHook
	reportingMu             sync.RWMutex

	// hasActiveReporting gates the slow path in Build
	hasActiveReporting atomic.Bool
)

// SetTelemetryReporter sets the global telemetry reporter. Passing nil disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reportingMu.Lock()
	defer reportingMu.Unlock()
	globalTelemetryReporter = reporter
	updateActiveReportingLocked()
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reportingMu.RLock()
	defer reportingMu.RUnlock()
	return globalTelemetryReporter
}

// AddErrorHook registers a hook that observes every built error.
func AddErrorHook(hook ErrorHook) {
	reportingMu.Lock()
	defer reportingMu.Unlock()
	errorHooks = append(errorHooks, hook)
	updateActiveReportingLocked()
}

// ClearErrorHooks removes all registered hooks
func ClearErrorHooks() {
	reportingMu.Lock()
	defer reportingMu.Unlock()
	errorHooks = nil
	updateActiveReportingLocked()
}

func updateActiveReportingLocked() {
	active := len(errorHooks) > 0 ||
		(globalTelemetryReporter != nil && globalTelemetryReporter.IsEnabled())
	hasActiveReporting.Store(active)
}

// reportToTelemetry hands the error to hooks and the configured reporter
func reportToTelemetry(ee *EnhancedError) {
	reportingMu.RLock()
	reporter := globalTelemetryReporter
	hooks := errorHooks
	reportingMu.RUnlock()

	for _, hook := range hooks {
		hook(ee)
	}

	if reporter != nil && reporter.IsEnabled() && reportable(ee.Category) {
		reporter.ReportError(ee)
	}
}

// reportable filters out categories that describe normal operation
func reportable(category ErrorCategory) bool {
	switch category {
	case CategoryDeviceBusy, CategoryMetadataTimeout, CategoryTerminationTimeout, CategoryCancellation:
		return false
	default:
		return true
	}
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// InitSentry initializes the Sentry SDK and installs a reporter.
func InitSentry(dsn, release string) error {
	if dsn == "" {
		return fmt.Errorf("sentry dsn is empty")
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	}); err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	SetTelemetryReporter(NewSentryReporter(true))
	return nil
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with privacy protection
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := basicURLScrub(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	component := ee.GetComponent()
	title := generateErrorTitle(component, ee.Category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_title", title)
		scope.SetTag("component", component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))

		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = basicURLScrub(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := getErrorLevel(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// generateErrorTitle builds a grouping title like "Supervisor Pipeline Spawn"
func generateErrorTitle(component string, category ErrorCategory) string {
	var parts []string
	if component != "" && component != ComponentUnknown {
		parts = append(parts, titleCase(component))
	}
	for word := range strings.SplitSeq(string(category), "-") {
		if word != "" {
			parts = append(parts, titleCase(word))
		}
	}
	if len(parts) == 0 {
		return "Error"
	}
	return strings.Join(parts, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// getErrorLevel returns appropriate Sentry level based on category
func getErrorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryDependencyMissing, CategoryConfiguration, CategoryValidation:
		return sentry.LevelError
	case CategoryPipelineSpawn, CategoryFileIO:
		return sentry.LevelError
	case CategoryStreamWrite, CategoryNetwork, CategoryMQTTPublish:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	urlQueryRegex   = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|dsn|auth)[=:]\S+`)
	homePathRegex   = regexp.MustCompile(`/home/[^/\s]+`)
)

// basicURLScrub removes query strings, credentials and home directory names
func basicURLScrub(message string) string {
	scrubbed := urlQueryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	scrubbed = credentialRegex.ReplaceAllString(scrubbed, "$1=[REDACTED]")
	scrubbed = homePathRegex.ReplaceAllString(scrubbed, "/home/[USER]")
	return scrubbed
}
