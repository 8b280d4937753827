// Package roi handles per-camera regions of interest: normalized polygons that
// restrict detection to part of a frame.
package roi

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"

	"golang.org/x/image/draw"
)

// ErrInvalidPolygon is returned when a vertex is malformed
var ErrInvalidPolygon = errors.New("invalid ROI polygon")

// Point is a vertex in normalized (0..1) frame coordinates
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y]
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a point from [x, y]
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolygon, err)
	}
	if len(xy) != 2 {
		return fmt.Errorf("%w: vertex needs 2 coordinates, got %d", ErrInvalidPolygon, len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// PixelPoint is a vertex in frame pixel space
type PixelPoint struct {
	X float64
	Y float64
}

// Polygon is an ordered list of normalized vertices. Fewer than three
// vertices means no ROI: the whole frame is processed.
type Polygon []Point

// ParsePolygon builds a polygon from [[x, y], ...] pairs
func ParsePolygon(pairs [][]float64) (Polygon, error) {
	poly := make(Polygon, 0, len(pairs))
	for i, xy := range pairs {
		if len(xy) != 2 {
			return nil, fmt.Errorf("%w: vertex %d has %d coordinates", ErrInvalidPolygon, i, len(xy))
		}
		poly = append(poly, Point{X: xy[0], Y: xy[1]})
	}
	return poly, nil
}

// Valid reports whether the polygon restricts the frame at all
func (p Polygon) Valid() bool {
	return len(p) >= 3
}

// Clone returns an independent copy
func (p Polygon) Clone() Polygon {
	if p == nil {
		return nil
	}
	out := make(Polygon, len(p))
	copy(out, p)
	return out
}

// Clamp limits every coordinate to 0..1
func (p Polygon) Clamp() Polygon {
	out := make(Polygon, len(p))
	for i, pt := range p {
		out[i] = Point{X: clamp01(pt.X), Y: clamp01(pt.Y)}
	}
	return out
}

// Denormalize scales the polygon to a frame of the given size
func (p Polygon) Denormalize(width, height int) []PixelPoint {
	out := make([]PixelPoint, len(p))
	for i, pt := range p {
		out[i] = PixelPoint{X: pt.X * float64(width), Y: pt.Y * float64(height)}
	}
	return out
}

// Pixels returns the polygon as rounded integer pixel coordinates for drawing
func (p Polygon) Pixels(width, height int) []image.Point {
	out := make([]image.Point, len(p))
	for i, pp := range p.Denormalize(width, height) {
		out[i] = image.Pt(int(pp.X+0.5), int(pp.Y+0.5))
	}
	return out
}

// Normalize converts pixel vertices back to frame-relative coordinates
func Normalize(points []PixelPoint, width, height int) Polygon {
	if width <= 0 || height <= 0 {
		return nil
	}
	out := make(Polygon, len(points))
	for i, pp := range points {
		out[i] = Point{X: pp.X / float64(width), Y: pp.Y / float64(height)}
	}
	return out
}

// Contains reports whether the normalized point (x, y) lies inside the polygon
func (p Polygon) Contains(x, y float64) bool {
	if !p.Valid() {
		return false
	}

	inside := false
	j := len(p) - 1
	for i := range p {
		xi, yi := p[i].X, p[i].Y
		xj, yj := p[j].X, p[j].Y
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Mask returns a copy of img where every pixel whose center falls outside
// the polygon is black. The source image is not modified. An invalid polygon
// yields an unmasked copy.
func (p Polygon) Mask(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)

	if !p.Valid() {
		draw.Draw(out, b, img, b.Min, draw.Src)
		return out
	}

	draw.Draw(out, b, image.NewUniform(color.RGBA{A: 0xff}), image.Point{}, draw.Src)

	verts := p.Denormalize(b.Dx(), b.Dy())
	xs := make([]float64, 0, len(verts))
	for row := 0; row < b.Dy(); row++ {
		yc := float64(row) + 0.5
		xs = xs[:0]
		j := len(verts) - 1
		for i := range verts {
			yi, yj := verts[i].Y, verts[j].Y
			if (yi > yc) != (yj > yc) {
				xs = append(xs, verts[i].X+(yc-yi)*(verts[j].X-verts[i].X)/(yj-yi))
			}
			j = i
		}
		sort.Float64s(xs)

		for k := 0; k+1 < len(xs); k += 2 {
			// Pixel col is inside when its center col+0.5 lies in [xs[k], xs[k+1]).
			start := ceilIndex(xs[k] - 0.5)
			end := ceilIndex(xs[k+1] - 0.5)
			if start < 0 {
				start = 0
			}
			if end > b.Dx() {
				end = b.Dx()
			}
			if start >= end {
				continue
			}
			y := b.Min.Y + row
			src := img.PixOffset(b.Min.X+start, y)
			dst := out.PixOffset(b.Min.X+start, y)
			n := (end - start) * 4
			copy(out.Pix[dst:dst+n], img.Pix[src:src+n])
		}
	}
	return out
}

func ceilIndex(v float64) int {
	i := int(v)
	if float64(i) < v {
		i++
	}
	return i
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
