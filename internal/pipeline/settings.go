package pipeline

import (
	"time"

	"github.com/Spatial-NVR/SpatialCount/internal/detection"
)

// Settings controls detector scheduling, motion sensitivity and output encoding.
// A pipeline reads its settings once per processed frame, so ApplySettings takes
// effect on the next frame.
type Settings struct {
	// ActiveNthFrame runs the detector on every Nth frame while in the Active tier
	ActiveNthFrame int
	// IdleScanEnabled allows the pipeline to drop to the IdleScan tier when there is no motion
	IdleScanEnabled bool
	// IdleScanInterval is the minimum gap between detector runs in the IdleScan tier
	IdleScanInterval time.Duration
	// ActiveTimeout is how long the pipeline stays Active after the last motion
	ActiveTimeout time.Duration

	MotionAreaThreshold  float64
	MotionPixelThreshold uint8

	JPEGQuality int

	Confidence float64
	NMS        float64
	Classes    []string
}

// DefaultSettings returns the stock processing settings
func DefaultSettings() Settings {
	return Settings{
		ActiveNthFrame:       5,
		IdleScanEnabled:      true,
		IdleScanInterval:     10 * time.Second,
		ActiveTimeout:        15 * time.Second,
		MotionAreaThreshold:  0.005,
		MotionPixelThreshold: 25,
		JPEGQuality:          75,
		Confidence:           0.3,
		NMS:                  0.45,
		Classes:              detection.ParseClasses("person"),
	}
}

// Normalize clamps the Nth frame setting to 1 and replaces other invalid values
// with defaults. A zero idle interval or pixel threshold is kept.
func (s Settings) Normalize() Settings {
	def := DefaultSettings()

	if s.ActiveNthFrame < 1 {
		s.ActiveNthFrame = 1
	}
	if s.IdleScanInterval < 0 {
		s.IdleScanInterval = def.IdleScanInterval
	}
	if s.ActiveTimeout <= 0 {
		s.ActiveTimeout = def.ActiveTimeout
	}
	if s.MotionAreaThreshold <= 0 || s.MotionAreaThreshold > 1 {
		s.MotionAreaThreshold = def.MotionAreaThreshold
	}
	if s.JPEGQuality < 1 || s.JPEGQuality > 100 {
		s.JPEGQuality = def.JPEGQuality
	}
	if s.Confidence <= 0 || s.Confidence > 1 {
		s.Confidence = def.Confidence
	}
	if s.NMS <= 0 || s.NMS > 1 {
		s.NMS = def.NMS
	}
	s.Classes = append([]string(nil), s.Classes...)
	return s
}
