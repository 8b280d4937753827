// Package detection defines the object detector contract used by camera
// pipelines and an HTTP client for an external inference service.
package detection

import (
	"context"
	"errors"
	"image"
	"strings"
)

// ErrDetectorUnavailable is returned when the detector has no usable model
var ErrDetectorUnavailable = errors.New("detector unavailable")

// BoundingBox is a detection box in image pixel space
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect returns the box as an integer rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(int(b.X), int(b.Y), int(b.X+b.Width), int(b.Y+b.Height))
}

// Center returns the center point of the box
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Area returns the area of the box
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

// IoU calculates intersection over union with another box
func (b BoundingBox) IoU(other BoundingBox) float64 {
	x1 := max(b.X, other.X)
	y1 := max(b.Y, other.Y)
	x2 := min(b.X+b.Width, other.X+other.Width)
	y2 := min(b.Y+b.Height, other.Y+other.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := b.Area() + other.Area() - intersection
	if union == 0 {
		return 0
	}
	return intersection / union
}

// Detection is a single detected object
type Detection struct {
	Box        BoundingBox `json:"box"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	ClassID    int         `json:"class_id"`
}

// Detector turns an image into detections. Implementations must tolerate
// repeated calls from one goroutine; use Serialized to share one across goroutines.
type Detector interface {
	Detect(ctx context.Context, img image.Image, confidence, nms float64, classes []string) ([]Detection, error)
}

// ReadyChecker is implemented by detectors that can report whether their model is loaded
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// DetectionError is a failure reported by the detector itself
type DetectionError struct {
	Message string
}

func (e *DetectionError) Error() string {
	return "detection failed: " + e.Message
}

// ParseClasses splits a comma separated class list, dropping blanks
func ParseClasses(s string) []string {
	var classes []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			classes = append(classes, c)
		}
	}
	return classes
}
