package detection

import (
	"context"
	"image"
	"sync"
)

type serialized struct {
	mu sync.Mutex
	d  Detector
}

// Serialized wraps d so that at most one Detect call runs at a time
func Serialized(d Detector) Detector {
	return &serialized{d: d}
}

func (s *serialized) Detect(ctx context.Context, img image.Image, confidence, nms float64, classes []string) ([]Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Detect(ctx, img, confidence, nms, classes)
}

func (s *serialized) Ready(ctx context.Context) error {
	if rc, ok := s.d.(ReadyChecker); ok {
		return rc.Ready(ctx)
	}
	return nil
}
