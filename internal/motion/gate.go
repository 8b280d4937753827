// Package motion implements a cheap frame-difference motion gate used to
// decide when a camera should switch to active processing.
package motion

import (
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// Grid dimensions the frame is resampled to before diffing
const (
	GridWidth  = 64
	GridHeight = 48
)

// Gate compares each frame against the previous one on a small grayscale grid
type Gate struct {
	mu      sync.Mutex
	prev    []uint8
	scratch *image.RGBA
}

// NewGate creates a gate with no retained frame
func NewGate() *Gate {
	return &Gate{
		scratch: image.NewRGBA(image.Rect(0, 0, GridWidth, GridHeight)),
	}
}

// Detect reports whether the fraction of grid cells whose luminance changed by
// more than pixelThreshold exceeds areaThreshold. The first call after
// construction or Reset only seeds the grid and returns false.
func (g *Gate) Detect(img image.Image, pixelThreshold uint8, areaThreshold float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	draw.ApproxBiLinear.Scale(g.scratch, g.scratch.Bounds(), img, img.Bounds(), draw.Src, nil)
	cur := luminance(g.scratch)

	if g.prev == nil {
		g.prev = cur
		return false
	}

	changed := 0
	for i := range cur {
		d := int(cur[i]) - int(g.prev[i])
		if d < 0 {
			d = -d
		}
		if d > int(pixelThreshold) {
			changed++
		}
	}
	g.prev = cur

	return float64(changed)/float64(len(cur)) > areaThreshold
}

// Reset drops the retained grid
func (g *Gate) Reset() {
	g.mu.Lock()
	g.prev = nil
	g.mu.Unlock()
}

func luminance(img *image.RGBA) []uint8 {
	out := make([]uint8, GridWidth*GridHeight)
	for y := 0; y < GridHeight; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < GridWidth; x++ {
			p := row[x*4 : x*4+3]
			out[y*GridWidth+x] = uint8((299*int(p[0]) + 587*int(p[1]) + 114*int(p[2])) / 1000)
		}
	}
	return out
}
