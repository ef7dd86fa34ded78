package detector

import "image"

// Detection is one detected object instance.
type Detection struct {
	// Box holds x1,y1 (Min) and x2,y2 (Max) in pixel coordinates.
	Box        image.Rectangle
	Confidence float64
	ClassID    int
}

// Result is the output of one Detect call.
type Result struct {
	Detections []Detection
	// Names is the detector's names table; ClassID indexes it.
	Names []string
}

// Name resolves a class index through the names table.
func (r Result) Name(classID int) (string, bool) {
	if classID < 0 || classID >= len(r.Names) {
		return "", false
	}
	return r.Names[classID], true
}

// Empty reports whether the result holds no detections.
func (r Result) Empty() bool {
	return len(r.Detections) == 0
}

// Classes returns the resolved class name of every detection, in order.
// Unresolvable indices are skipped.
func (r Result) Classes() []string {
	out := make([]string, 0, len(r.Detections))
	for _, d := range r.Detections {
		if name, ok := r.Name(d.ClassID); ok {
			out = append(out, name)
		}
	}
	return out
}
