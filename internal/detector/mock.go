package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu      sync.Mutex
	classes []string
	result  Result
	err     error
	detects int
	closed  bool
}

// NewMockDetector creates a new MockDetector instance.
// Until SetResult is called it detects nothing.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetResult sets the result that will be returned by Detect.
// If the result has no names table, the configured classes are used.
func (m *MockDetector) SetResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = r
}

// SetDetections sets the detections returned by Detect, keeping
// the configured classes as the names table.
func (m *MockDetector) SetDetections(ds ...Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = Result{Detections: ds}
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetClasses records the vocabulary.
func (m *MockDetector) SetClasses(classes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.classes = append([]string(nil), classes...)
	return nil
}

// Classes returns the last vocabulary passed to SetClasses.
func (m *MockDetector) Classes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.classes...)
}

// Detect returns the pre-configured result or error.
// After Close it fails with ErrClosed and is not counted.
func (m *MockDetector) Detect(frame *gocv.Mat) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Result{}, ErrClosed
	}
	m.detects++
	if m.err != nil {
		return Result{}, m.err
	}

	r := Result{
		Detections: append([]Detection(nil), m.result.Detections...),
		Names:      m.result.Names,
	}
	if r.Names == nil {
		r.Names = append([]string(nil), m.classes...)
	}
	return r, nil
}

// Calls returns how many times Detect has been called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detects
}

// Close marks the detector closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockFactory returns a Factory that hands out fresh mock detectors and
// records each one so tests can reach them.
func MockFactory(created *[]*MockDetector) Factory {
	var mu sync.Mutex
	return func() (Detector, error) {
		d := NewMockDetector()
		if created != nil {
			mu.Lock()
			*created = append(*created, d)
			mu.Unlock()
		}
		return d, nil
	}
}
