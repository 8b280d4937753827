package pipeline

import (
	"sync"

	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

// frameQueue hands frames from the decode callback to the processing goroutine.
// It holds at most one frame; a frame offered while one is pending is dropped.
type frameQueue struct {
	mu     sync.Mutex
	ch     chan *stream.RawFrame
	closed bool
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ch: make(chan *stream.RawFrame, 1)}
}

// Offer enqueues f without blocking and reports whether it was accepted
func (q *frameQueue) Offer(f *stream.RawFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- f:
		return true
	default:
		return false
	}
}

// Take blocks until a frame is available. ok is false once the queue is
// closed and drained.
func (q *frameQueue) Take() (f *stream.RawFrame, ok bool) {
	f, ok = <-q.ch
	return f, ok
}

// Len returns the number of pending frames
func (q *frameQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting frames and wakes a blocked Take
func (q *frameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
