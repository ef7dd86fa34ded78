package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Sink defines the interface for frame consumers.
type Sink interface {
	Write(frame gocv.Mat) error
	Close() error
}

// FileSink encodes frames into a video file.
type FileSink struct {
	path   string
	writer *gocv.VideoWriter
	mu     sync.Mutex
	frames int
}

// CreateFile opens a video encoder writing to path.
// codec is a FourCC such as "mp4v" or "MJPG".
func CreateFile(path, codec string, fps float64, width, height int) (*FileSink, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("create video %s: invalid size %dx%d", path, width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("create video %s: invalid frame rate %v", path, fps)
	}

	writer, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("create video %s: %w", path, err)
	}

	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("create video %s: encoder %q did not open", path, codec)
	}

	return &FileSink{path: path, writer: writer}, nil
}

// Write encodes one frame.
func (s *FileSink) Write(frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrNotOpen
	}

	if err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame %d: %w", s.frames, err)
	}
	s.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (s *FileSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close flushes and releases the encoder. Closing twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}

	err := s.writer.Close()
	s.writer = nil
	return err
}
