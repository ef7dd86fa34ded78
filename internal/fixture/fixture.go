// Package fixture builds synthetic frames and videos for tests.
package fixture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// SolidFrame returns a BGR frame filled with c.
func SolidFrame(width, height int, c color.RGBA) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), height, width, gocv.MatTypeCV8UC3)
}

// PatternFrame returns a gray frame with a bright square whose position
// depends on index, so consecutive frames differ.
func PatternFrame(width, height, index int) gocv.Mat {
	mat := SolidFrame(width, height, color.RGBA{R: 64, G: 64, B: 64, A: 255})

	size := height / 4
	if size < 4 {
		size = 4
	}
	x := (index * 7) % max(width-size, 1)
	y := (index * 5) % max(height-size, 1)
	gocv.Rectangle(&mat, image.Rect(x, y, x+size, y+size), color.RGBA{R: 230, G: 230, B: 230, A: 255}, -1)

	return mat
}

// Frames returns n pattern frames. The caller closes them with CloseAll.
func Frames(n, width, height int) []*gocv.Mat {
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		m := PatternFrame(width, height, i)
		frames[i] = &m
	}
	return frames
}

// CloseAll closes every frame.
func CloseAll(frames []*gocv.Mat) {
	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
}

// Encode encodes a frame with the given extension (".jpg", ".png").
func Encode(ext gocv.FileExt, mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(ext, mat)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// WriteVideo encodes frames into a video file.
func WriteVideo(path, codec string, fps float64, frames []*gocv.Mat) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames")
	}

	w, err := gocv.VideoWriterFile(path, codec, fps, frames[0].Cols(), frames[0].Rows(), true)
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	defer w.Close()

	if !w.IsOpened() {
		return fmt.Errorf("writer for %s did not open", path)
	}

	for i, f := range frames {
		if err := w.Write(*f); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	return nil
}

// Equal reports whether two frames are pixel-identical.
func Equal(a, b gocv.Mat) bool {
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() || a.Type() != b.Type() {
		return false
	}
	return bytes.Equal(a.ToBytes(), b.ToBytes())
}

// IsColor reports whether the pixel at (x, y) of a BGR frame equals c.
func IsColor(mat gocv.Mat, x, y int, c color.RGBA) bool {
	v := mat.GetVecbAt(y, x)
	return v[0] == c.B && v[1] == c.G && v[2] == c.R
}

// CountColor counts the pixels inside r (clipped to the frame) that equal c.
func CountColor(mat gocv.Mat, r image.Rectangle, c color.RGBA) int {
	r = r.Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if IsColor(mat, x, y, c) {
				n++
			}
		}
	}
	return n
}
