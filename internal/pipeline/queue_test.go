package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

func TestFrameQueue_DropsWhenFull(t *testing.T) {
	q := newFrameQueue()
	a, b := &stream.RawFrame{Width: 1}, &stream.RawFrame{Width: 2}

	if !q.Offer(a) {
		t.Fatal("Expected first frame to be accepted")
	}
	if q.Offer(b) {
		t.Error("Expected second frame to be dropped")
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 pending frame, got %d", q.Len())
	}

	got, ok := q.Take()
	if !ok || got != a {
		t.Errorf("Expected first frame back, got %v ok=%v", got, ok)
	}
	if !q.Offer(b) {
		t.Error("Expected queue to accept a frame once drained")
	}
}

func TestFrameQueue_Close(t *testing.T) {
	q := newFrameQueue()

	taken := make(chan bool)
	go func() {
		_, ok := q.Take()
		taken <- ok
	}()

	q.Close()
	q.Close()

	select {
	case ok := <-taken:
		if ok {
			t.Error("Expected Take to report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake a blocked Take")
	}

	if q.Offer(&stream.RawFrame{}) {
		t.Error("Expected closed queue to reject frames")
	}
}

func TestFrameQueue_ProducerNeverBlocks(t *testing.T) {
	q := newFrameQueue()
	const frames = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if _, ok := q.Take(); !ok {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	maxLen := 0
	start := time.Now()
	for i := 0; i < frames; i++ {
		q.Offer(&stream.RawFrame{})
		if n := q.Len(); n > maxLen {
			maxLen = n
		}
	}
	elapsed := time.Since(start)

	q.Close()
	wg.Wait()

	if maxLen > 1 {
		t.Errorf("Queue held %d frames, want at most 1", maxLen)
	}
	// A blocking producer would take at least frames * 1ms
	if elapsed > frames*time.Millisecond/2 {
		t.Errorf("Producer appears to block: %v for %d offers", elapsed, frames)
	}
}
