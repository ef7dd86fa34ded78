package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayusman/drishti/internal/capture"
	"gocv.io/x/gocv"
)

// State is a step of the media loop.
type State int

// Media loop states.
//
//	Idle -> Reading -> Annotating -> Writing -> (Reading | Done)
const (
	StateIdle State = iota
	StateReading
	StateAnnotating
	StateWriting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateAnnotating:
		return "annotating"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Processor detects and draws on a frame in place, returning the number
// of detections drawn. *session.Session implements it.
type Processor interface {
	Process(frame *gocv.Mat) (int, error)
}

// Progress describes how far a media loop has come.
type Progress struct {
	SessionID  string `json:"session_id,omitempty"`
	State      string `json:"state"`
	Frame      int    `json:"frame"`
	Total      int    `json:"total,omitempty"`
	Detections int    `json:"detections"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
}

// Observer receives loop events. For a written frame, frame is the
// annotated frame and is only valid during the call. The final event has
// Done set and a nil frame.
type Observer interface {
	Observe(p Progress, frame *gocv.Mat)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(p Progress, frame *gocv.Mat)

// Observe calls f(p, frame).
func (f ObserverFunc) Observe(p Progress, frame *gocv.Mat) {
	f(p, frame)
}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	list := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(p Progress, frame *gocv.Mat) {
		for _, o := range list {
			o.Observe(p, frame)
		}
	})
}

// frameCounter is implemented by sources that know their length.
type frameCounter interface {
	FrameCount() int
}

// RunImage decodes an encoded image, annotates it and re-encodes it as JPEG.
func RunImage(p Processor, data []byte) ([]byte, error) {
	out, _, err := runImage(p, data)
	return out, err
}

func runImage(p Processor, data []byte) ([]byte, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrEmptyImage
	}

	// IMReadColor yields BGR, the detector's expected order. EXIF
	// orientation is ignored: pixels are annotated as stored.
	frame, err := gocv.IMDecode(data, gocv.IMReadColor|gocv.IMReadIgnoreOrientation)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer frame.Close()

	if frame.Empty() {
		return nil, 0, ErrEmptyImage
	}

	n, err := p.Process(&frame)
	if err != nil {
		return nil, 0, err
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, 0, fmt.Errorf("encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, n, nil
}

// RunVideo reads every frame from src, annotates it and writes it to sink.
// It returns the number of frames written. End of stream finishes the loop
// cleanly; any other read, process or write error stops it and is returned.
// Cancelling ctx stops the loop between frames.
func RunVideo(ctx context.Context, p Processor, src capture.Source, sink capture.Sink, obs Observer) (int, error) {
	if obs == nil {
		obs = ObserverFunc(func(Progress, *gocv.Mat) {})
	}

	total := 0
	if fc, ok := src.(frameCounter); ok {
		total = fc.FrameCount()
	}

	state := StateIdle
	frames, detections := 0, 0

	finish := func(err error) (int, error) {
		ev := Progress{State: StateDone.String(), Frame: frames, Total: total, Detections: detections, Done: true}
		if err != nil {
			ev.State = state.String()
			ev.Error = err.Error()
		}
		obs.Observe(ev, nil)
		return frames, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		state = StateReading
		frame, err := src.Read()
		if errors.Is(err, capture.ErrEndOfStream) {
			state = StateDone
			return finish(nil)
		}
		if err != nil {
			return finish(fmt.Errorf("read frame %d: %w", frames, err))
		}

		state = StateAnnotating
		n, err := p.Process(frame)
		if err != nil {
			frame.Close()
			return finish(fmt.Errorf("frame %d: %w", frames, err))
		}

		state = StateWriting
		if err := sink.Write(*frame); err != nil {
			frame.Close()
			return finish(fmt.Errorf("write frame %d: %w", frames, err))
		}

		frames++
		detections += n
		obs.Observe(Progress{
			State:      state.String(),
			Frame:      frames,
			Total:      total,
			Detections: detections,
		}, frame)
		frame.Close()
	}
}
