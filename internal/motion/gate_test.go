package motion

import (
	"image"
	"image/color"
	"sync"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestGate_FirstCallSeeds(t *testing.T) {
	g := NewGate()
	if g.Detect(solid(320, 240, color.RGBA{255, 255, 255, 255}), 25, 0.005) {
		t.Error("First call should never report motion")
	}
}

func TestGate_Detect(t *testing.T) {
	black := solid(320, 240, color.RGBA{A: 255})
	white := solid(320, 240, color.RGBA{255, 255, 255, 255})
	gray := solid(320, 240, color.RGBA{20, 20, 20, 255})

	tests := []struct {
		name     string
		next     *image.RGBA
		expected bool
	}{
		{"identical frame", black, false},
		{"full change", white, true},
		{"change below pixel threshold", gray, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate()
			g.Detect(black, 25, 0.005)
			if got := g.Detect(tt.next, 25, 0.005); got != tt.expected {
				t.Errorf("Detect = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGate_SmallRegionBelowArea(t *testing.T) {
	base := solid(640, 480, color.RGBA{A: 255})
	spot := solid(640, 480, color.RGBA{A: 255})
	// 10x10 px of 640x480 is well under half a grid cell after resampling
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			spot.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	g := NewGate()
	g.Detect(base, 25, 0.05)
	if g.Detect(spot, 25, 0.05) {
		t.Error("Tiny change should stay under a 5% area threshold")
	}
}

func TestGate_Reset(t *testing.T) {
	g := NewGate()
	g.Detect(solid(64, 48, color.RGBA{A: 255}), 25, 0.005)
	g.Reset()
	if g.Detect(solid(64, 48, color.RGBA{255, 255, 255, 255}), 25, 0.005) {
		t.Error("First call after Reset should not report motion")
	}
}

func TestGate_ConcurrentUse(t *testing.T) {
	g := NewGate()
	frames := []*image.RGBA{
		solid(128, 96, color.RGBA{A: 255}),
		solid(128, 96, color.RGBA{255, 255, 255, 255}),
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				g.Detect(frames[(i+j)%2], 25, 0.005)
			}
		}(i)
	}
	wg.Wait()
}
