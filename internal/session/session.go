// Package session holds the per-user state of the annotator: the label set,
// its color map, a dedicated detector, and a scratch directory.
package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/drishti/internal/annotate"
	"github.com/ayusman/drishti/internal/detector"
	"github.com/ayusman/drishti/internal/labels"
	"gocv.io/x/gocv"
)

var (
	// ErrNotFound is returned when no session has the requested ID.
	ErrNotFound = errors.New("session not found")
	// ErrBusy is returned when a session is already processing media.
	ErrBusy = errors.New("session is busy")
	// ErrClosed is returned when using a released session.
	ErrClosed = errors.New("session is closed")
)

// Session is one configured annotation context.
// Labels and Colors are fixed at creation and never change.
type Session struct {
	ID     string
	Labels []string
	Colors labels.ColorMap

	detector  detector.Detector
	annotator *annotate.Annotator
	workDir   string
	createdAt time.Time

	busy     atomic.Bool
	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
	// teardown is set when Close ran while a flow held the session.
	teardown bool
}

// TryAcquire claims the session for one media flow.
// It returns ErrBusy if another flow holds it.
func (s *Session) TryAcquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	s.lastUsed = time.Now()
	return nil
}

// Release ends the current media flow. If the session was closed
// meanwhile, its resources are released now.
func (s *Session) Release() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.busy.Store(false)
	pending := s.teardown
	s.teardown = false
	s.mu.Unlock()

	if pending {
		if err := s.release(); err != nil {
			log.Printf("Error closing session %s: %v", s.ID, err)
		}
	}
}

// Closed reports whether the session has been released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Busy reports whether a media flow holds the session.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Touch records activity for idle reaping.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the time of the last recorded activity.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// WorkDir returns the directory for this session's temporary files.
func (s *Session) WorkDir() string {
	return s.workDir
}

// Detect runs the detector on frame. An empty label set detects nothing
// and never reaches the detector.
func (s *Session) Detect(frame *gocv.Mat) (detector.Result, error) {
	if len(s.Labels) == 0 {
		return detector.Result{Names: []string{}}, nil
	}

	res, err := s.detector.Detect(frame)
	if err != nil {
		return detector.Result{}, fmt.Errorf("detect: %w", err)
	}
	return res, nil
}

// Process detects objects in frame and draws them in place.
// It returns the number of detections drawn.
// It fails with ErrClosed once the session has been released.
func (s *Session) Process(frame *gocv.Mat) (int, error) {
	if s.Closed() {
		return 0, ErrClosed
	}

	res, err := s.Detect(frame)
	if err != nil {
		return 0, err
	}

	if err := s.annotator.Annotate(frame, res); err != nil {
		return 0, fmt.Errorf("annotate: %w", err)
	}
	return len(res.Detections), nil
}

// Close releases the detector and removes the work directory.
// If a media flow holds the session, that flow stops at its next frame
// and the resources are released when it calls Release.
// Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.busy.Load() {
		s.teardown = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.release()
}

func (s *Session) release() error {
	var errs []error
	if s.detector != nil {
		if err := s.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector: %w", err))
		}
	}
	if s.workDir != "" {
		if err := os.RemoveAll(s.workDir); err != nil {
			errs = append(errs, fmt.Errorf("remove work dir: %w", err))
		}
	}
	return errors.Join(errs...)
}
