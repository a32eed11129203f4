// Package buildinfo contains build-time metadata and check results kept
// apart from user configuration.
package buildinfo

import "fmt"

// UnknownValue is reported for metadata the build did not set.
const UnknownValue = "unknown"

// Context holds values injected at link time. It is not configurable.
type Context struct {
	version   string
	buildDate string
}

// NewContext returns build metadata. Empty values read as UnknownValue.
func NewContext(version, buildDate string) *Context {
	return &Context{version: version, buildDate: buildDate}
}

// Version returns the release tag the binary was built from.
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns when the binary was built.
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// Release is the identifier sent with telemetry events.
func (c *Context) Release() string {
	return "radiords@" + c.Version()
}

func (c *Context) String() string {
	return fmt.Sprintf("radiords %s (built %s)", c.Version(), c.BuildDate())
}

// ValidationResult collects the outcome of environment checks.
type ValidationResult struct {
	// Warnings do not prevent startup.
	Warnings []string `json:"warnings,omitempty"`

	// Errors prevent the affected feature from starting.
	Errors []string `json:"errors,omitempty"`

	Valid bool `json:"valid"`
}

// NewValidationResult returns an empty, valid result.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

// AddWarning records a non-fatal issue.
func (r *ValidationResult) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// AddError records a fatal issue and marks the result invalid.
func (r *ValidationResult) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

// HasIssues reports whether anything was recorded.
func (r *ValidationResult) HasIssues() bool {
	return len(r.Warnings) > 0 || len(r.Errors) > 0
}
