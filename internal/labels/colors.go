package labels

import (
	"fmt"
	"image/color"
	"math/rand/v2"
)

// ColorMap maps a label to its display color for one session.
type ColorMap map[string]color.RGBA

// RandomColors returns n colors with each channel sampled independently in [0,255].
// No visual distinctness is guaranteed.
func RandomColors(n int, rng *rand.Rand) []color.RGBA {
	colors := make([]color.RGBA, n)
	for i := range colors {
		colors[i] = color.RGBA{
			R: uint8(rng.IntN(256)),
			G: uint8(rng.IntN(256)),
			B: uint8(rng.IntN(256)),
			A: 255,
		}
	}
	return colors
}

// AssignColors builds the color map for a label set.
// One color is generated per label; for duplicated labels the first one wins.
// A nil rng uses a freshly seeded generator.
func AssignColors(labels []string, rng *rand.Rand) ColorMap {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	colors := RandomColors(len(labels), rng)
	m := make(ColorMap, len(labels))
	for i, l := range labels {
		if _, exists := m[l]; exists {
			continue
		}
		m[l] = colors[i]
	}
	return m
}

// Lookup returns the color assigned to label.
func (m ColorMap) Lookup(label string) (color.RGBA, bool) {
	c, ok := m[label]
	return c, ok
}

// Hex returns the label's color as "#rrggbb", or "" if the label has none.
func (m ColorMap) Hex(label string) string {
	c, ok := m[label]
	if !ok {
		return ""
	}
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// HexMap returns every label's color in "#rrggbb" form.
func (m ColorMap) HexMap() map[string]string {
	out := make(map[string]string, len(m))
	for l := range m {
		out[l] = m.Hex(l)
	}
	return out
}

// Covers reports whether every label in the set has a color.
func (m ColorMap) Covers(labels []string) bool {
	for _, l := range labels {
		if _, ok := m[l]; !ok {
			return false
		}
	}
	return true
}
