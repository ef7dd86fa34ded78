// Package annotate draws detection boxes and labels onto frames.
package annotate

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/ayusman/drishti/internal/detector"
	"github.com/ayusman/drishti/internal/labels"
)

// Drawing constants.
const (
	// BoxThickness is the stroke width of the bounding box.
	BoxThickness = 2
	// FontFace is the font used for label text.
	FontFace = gocv.FontHersheySimplex
	// FontScale is the label text scale.
	FontScale = 0.8
	// TextThickness is the label text stroke width.
	TextThickness = 2
	// LabelPadding is the extra height of the label background above the text.
	LabelPadding = 10
	// TextBaselineOffset is the distance from the box top to the text baseline.
	TextBaselineOffset = 5
)

// TextColor is the label text color.
var TextColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}

var (
	// ErrUnknownClass is returned when a class index is not in the names table.
	ErrUnknownClass = errors.New("class index not in names table")
	// ErrMissingColor is returned when a detected class has no assigned color.
	ErrMissingColor = errors.New("no color assigned to class")
	// ErrEmptyFrame is returned when annotating an empty frame.
	ErrEmptyFrame = errors.New("frame is empty")
)

// Annotator draws detections using a session's color map.
type Annotator struct {
	colors labels.ColorMap
}

// New creates an Annotator for the given color map.
func New(colors labels.ColorMap) *Annotator {
	return &Annotator{colors: colors}
}

// FormatLabel composes the text drawn above a box.
func FormatLabel(name string, confidence float64) string {
	return fmt.Sprintf("%s %.2f", name, confidence)
}

// LabelRect returns the filled background rectangle for a label drawn
// above box, given the measured text size.
func LabelRect(box image.Rectangle, text image.Point) image.Rectangle {
	return image.Rect(box.Min.X, box.Min.Y-text.Y-LabelPadding, box.Min.X+text.X, box.Min.Y)
}

// Annotate draws every detection in res onto frame in place.
// A frame with no detections is left untouched.
//
// Coordinates are not clipped; OpenCV clips drawing to the frame.
func (a *Annotator) Annotate(frame *gocv.Mat, res detector.Result) error {
	if res.Empty() {
		return nil
	}
	if frame == nil || frame.Empty() {
		return ErrEmptyFrame
	}

	for i, d := range res.Detections {
		name, ok := res.Name(d.ClassID)
		if !ok {
			return fmt.Errorf("detection %d: %w: %d", i, ErrUnknownClass, d.ClassID)
		}

		c, ok := a.colors.Lookup(name)
		if !ok {
			return fmt.Errorf("detection %d: %w: %q", i, ErrMissingColor, name)
		}

		if err := a.draw(frame, d, name, c); err != nil {
			return fmt.Errorf("detection %d: %w", i, err)
		}
	}

	return nil
}

func (a *Annotator) draw(frame *gocv.Mat, d detector.Detection, name string, c color.RGBA) error {
	if err := gocv.Rectangle(frame, d.Box, c, BoxThickness); err != nil {
		return fmt.Errorf("draw box: %w", err)
	}

	text := FormatLabel(name, d.Confidence)
	size := gocv.GetTextSize(text, FontFace, FontScale, TextThickness)

	// Filled background directly above the top-left corner
	if err := gocv.Rectangle(frame, LabelRect(d.Box, size), c, -1); err != nil {
		return fmt.Errorf("draw label background: %w", err)
	}

	org := image.Pt(d.Box.Min.X, d.Box.Min.Y-TextBaselineOffset)
	if err := gocv.PutText(frame, text, org, FontFace, FontScale, TextColor, TextThickness); err != nil {
		return fmt.Errorf("draw label text: %w", err)
	}

	return nil
}
