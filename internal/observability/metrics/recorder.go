// Package metrics provides Prometheus metrics for radiords.
package metrics

import (
	"maps"
	"sync"
)

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on concrete collectors so tests can
// pass a TestRecorder or NoOpRecorder.
type Recorder interface {
	// RecordOperation records an operation outcome, e.g. ("spawn", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence by category.
	RecordError(operation, errorType string)
}

// TestRecorder captures recorded metrics for verification in tests.
type TestRecorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int // operation -> status -> count
	durations  map[string][]float64
	errors     map[string]map[string]int // operation -> errorType -> count
}

// NewTestRecorder creates a new test recorder instance.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
	}
}

// RecordOperation implements Recorder.
func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.operations[operation] == nil {
		r.operations[operation] = make(map[string]int)
	}
	r.operations[operation][status]++
}

// RecordDuration implements Recorder.
func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations[operation] = append(r.durations[operation], seconds)
}

// RecordError implements Recorder.
func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errors[operation] == nil {
		r.errors[operation] = make(map[string]int)
	}
	r.errors[operation][errorType]++
}

// GetOperationCount returns the count of a specific operation and status.
func (r *TestRecorder) GetOperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// GetDurations returns a copy of the durations recorded for operation.
func (r *TestRecorder) GetDurations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	durations, ok := r.durations[operation]
	if !ok {
		return nil
	}
	result := make([]float64, len(durations))
	copy(result, durations)
	return result
}

// GetErrorCount returns the count of a specific error type for an operation.
func (r *TestRecorder) GetErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}

// GetAllOperations returns a deep copy of all recorded operations.
func (r *TestRecorder) GetAllOperations() map[string]map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]map[string]int, len(r.operations))
	for op, statusMap := range r.operations {
		result[op] = maps.Clone(statusMap)
	}
	return result
}

// HasRecordedMetrics reports whether anything was recorded.
func (r *TestRecorder) HasRecordedMetrics() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operations) > 0 || len(r.durations) > 0 || len(r.errors) > 0
}

// Reset clears all recorded metrics.
func (r *TestRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.operations = make(map[string]map[string]int)
	r.durations = make(map[string][]float64)
	r.errors = make(map[string]map[string]int)
}

// NoOpRecorder discards everything.
type NoOpRecorder struct{}

// NewNoOpRecorder creates a new no-op recorder instance.
func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{}
}

func (n *NoOpRecorder) RecordOperation(operation, status string)         {}
func (n *NoOpRecorder) RecordDuration(operation string, seconds float64) {}
func (n *NoOpRecorder) RecordError(operation, errorType string)          {}

// OrNoOp returns r, or a NoOpRecorder when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NewNoOpRecorder()
	}
	return r
}
