// Package capture provides video decoding and encoding using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

var (
	// ErrEndOfStream is returned by Read once the input is exhausted.
	// It terminates the frame loop and is not a failure.
	ErrEndOfStream = errors.New("end of stream")
	// ErrNotOpen is returned when using a closed source or sink.
	ErrNotOpen = errors.New("video stream is not open")
	// ErrUnreadable is returned when a file cannot be opened for decoding.
	ErrUnreadable = errors.New("video cannot be decoded")
)

// Source defines the interface for frame producers.
type Source interface {
	// Read returns the next frame. The caller is responsible for closing it.
	// Returns ErrEndOfStream when no frames remain.
	Read() (*gocv.Mat, error)
	Width() int
	Height() int
	// FPS is the frame rate reported by the container, 0 if unknown.
	FPS() float64
	Close() error
}

// FileSource decodes frames from a video file.
type FileSource struct {
	path    string
	capture *gocv.VideoCapture
	mu      sync.Mutex
	width   int
	height  int
	fps     float64
}

// OpenFile opens a video file for decoding.
func OpenFile(path string) (*FileSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w: %v", path, ErrUnreadable, err)
	}

	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("open video %s: %w", path, ErrUnreadable)
	}

	return &FileSource{
		path:    path,
		capture: capture,
		width:   int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:  int(capture.Get(gocv.VideoCaptureFrameHeight)),
		fps:     capture.Get(gocv.VideoCaptureFPS),
	}, nil
}

// Read decodes the next frame.
func (s *FileSource) Read() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil, ErrNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, ErrEndOfStream
	}

	return &mat, nil
}

// Width returns the frame width reported by the container.
func (s *FileSource) Width() int { return s.width }

// Height returns the frame height reported by the container.
func (s *FileSource) Height() int { return s.height }

// FPS returns the frame rate reported by the container.
func (s *FileSource) FPS() float64 { return s.fps }

// FrameCount returns the container's frame count estimate.
func (s *FileSource) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return 0
	}
	return int(s.capture.Get(gocv.VideoCaptureFrameCount))
}

// Close releases the decoder. Closing twice is a no-op.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	return err
}
