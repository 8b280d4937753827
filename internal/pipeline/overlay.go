package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Spatial-NVR/SpatialCount/internal/detection"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
)

var (
	colorRoi     = color.RGBA{R: 0xff, G: 0xd7, A: 0xff}
	colorBox     = color.RGBA{G: 0xff, A: 0xff}
	colorActive  = color.RGBA{R: 0x32, G: 0xcd, B: 0x32, A: 0xff}
	colorScan    = color.RGBA{R: 0xff, G: 0xa5, A: 0xff}
	colorStandby = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	colorText    = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// modeLabel is the overlay text for the tier. An IdleScan frame that did not
// run the detector shows STANDBY.
func modeLabel(tier Tier, ran bool) (string, color.RGBA) {
	switch {
	case tier == Active:
		return "MODE: ACTIVE", colorActive
	case ran:
		return "MODE: SCANNING", colorScan
	default:
		return "MODE: STANDBY", colorStandby
	}
}

// drawOverlay draws the ROI outline, detection boxes, mode and count onto img in place
func drawOverlay(img *image.RGBA, poly roi.Polygon, dets []detection.Detection, tier Tier, ran bool) {
	b := img.Bounds()

	if poly.Valid() {
		pts := poly.Pixels(b.Dx(), b.Dy())
		for i := range pts {
			a, c := pts[i].Add(b.Min), pts[(i+1)%len(pts)].Add(b.Min)
			drawLine(img, a.X, a.Y, c.X, c.Y, colorRoi)
		}
	}

	for _, d := range dets {
		r := d.Box.Rect().Add(b.Min).Intersect(b)
		if r.Empty() {
			continue
		}
		drawRect(img, r, colorBox)
		label := d.Label
		if d.Confidence > 0 {
			label = fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		}
		y := r.Min.Y - 3
		if y < b.Min.Y+13 {
			y = r.Min.Y + 13
		}
		drawText(img, r.Min.X+2, y, label, colorBox)
	}

	mode, col := modeLabel(tier, ran)
	drawText(img, b.Min.X+10, b.Min.Y+20, mode, col)
	drawText(img, b.Min.X+10, b.Min.Y+36, fmt.Sprintf("COUNT: %d", len(dets)), colorText)
}

func drawText(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	x0, y0, x1, y1 := r.Min.X, r.Min.Y, r.Max.X-1, r.Max.Y-1
	drawLine(img, x0, y0, x1, y0, c)
	drawLine(img, x1, y0, x1, y1, c)
	drawLine(img, x1, y1, x0, y1, c)
	drawLine(img, x0, y1, x0, y0, c)
}

// drawLine is Bresenham's line, clipped per pixel to the image bounds
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, sx := abs(x1-x0), 1
	if x0 > x1 {
		sx = -1
	}
	dy, sy := -abs(y1-y0), 1
	if y0 > y1 {
		sy = -1
	}
	b := img.Bounds()
	e := dx + dy
	for {
		if (image.Point{X: x0, Y: y0}).In(b) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
