package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// MockSource plays back in-memory frames for testing.
type MockSource struct {
	frames []*gocv.Mat
	index  int
	fps    float64
	failAt int
	mu     sync.Mutex
	closed bool
	reads  int
}

// NewMockSource creates a source that yields clones of frames, then ErrEndOfStream.
func NewMockSource(frames []*gocv.Mat, fps float64) *MockSource {
	return &MockSource{
		frames: frames,
		fps:    fps,
		failAt: -1,
	}
}

// FailAt makes the n-th Read (0-based) return a decode error.
func (s *MockSource) FailAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = n
}

func (s *MockSource) Read() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNotOpen
	}

	n := s.reads
	s.reads++
	if n == s.failAt {
		return nil, fmt.Errorf("corrupt frame %d", n)
	}

	if s.index >= len(s.frames) {
		return nil, ErrEndOfStream
	}

	// Clone the frame so the original isn't modified
	frame := s.frames[s.index].Clone()
	s.index++

	return &frame, nil
}

func (s *MockSource) Width() int {
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[0].Cols()
}

func (s *MockSource) Height() int {
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[0].Rows()
}

func (s *MockSource) FPS() float64 { return s.fps }

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MockSink records written frames for testing.
type MockSink struct {
	frames []gocv.Mat
	err    error
	mu     sync.Mutex
	closed bool
}

// NewMockSink creates an empty MockSink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// SetError makes every subsequent Write fail with err.
func (s *MockSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MockSink) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame.Clone())
	return nil
}

// Frames returns the recorded frames. They stay owned by the sink.
func (s *MockSink) Frames() []gocv.Mat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *MockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Release closes the recorded frames.
func (s *MockSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.frames {
		s.frames[i].Close()
	}
	s.frames = nil
}
