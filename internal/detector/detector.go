// Package detector provides the open-vocabulary object detector interface
// and its implementations.
package detector

import (
	"errors"
	"time"

	"gocv.io/x/gocv"
)

var (
	// ErrClosed is returned by a detector used after Close.
	ErrClosed = errors.New("detector is closed")
	// ErrTimeout is returned when the detection service does not answer in time.
	ErrTimeout = errors.New("detector timed out")
)

// Detector defines the interface for zero-shot object detection implementations.
type Detector interface {
	// SetClasses configures the target vocabulary. It must be called
	// before Detect.
	SetClasses(classes []string) error

	// Detect analyzes a BGR frame and returns the detected objects.
	// Returns an empty Result if nothing is detected.
	Detect(frame *gocv.Mat) (Result, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Factory creates a detector instance. Each session owns its own detector.
type Factory func() (Detector, error)

// Config holds configuration options for the YOLO-World detector.
type Config struct {
	// Python is the interpreter used to run the service script.
	// Empty means a virtual environment interpreter or python3.
	Python string

	// ScriptPath is the path to yoloworld_service.py.
	// Empty means search the usual locations.
	ScriptPath string

	// Weights is the model weights file passed to the service.
	Weights string

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// Timeout bounds one request to the service, including the model load
	// on first use. Zero waits forever.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Weights:       "yolov8x-worldv2.pt",
		MinConfidence: 0.25,
		Timeout:       2 * time.Minute,
	}
}
