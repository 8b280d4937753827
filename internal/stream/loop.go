package stream

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DecodeLoop runs a backend's read loop on a locked OS thread and gives the
// backend idempotent Stop and exactly-once Close semantics.
type DecodeLoop struct {
	stopOnce  sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeErr  error

	// deliverMu orders frame delivery against the end notification
	deliverMu sync.RWMutex
	ended     bool
}

// NewDecodeLoop creates an idle loop
func NewDecodeLoop() *DecodeLoop {
	return &DecodeLoop{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run starts read on its own goroutine. read must return when stop is closed.
// onEnd is invoked once, after read has returned, so no frame is delivered
// after the end notification.
func (l *DecodeLoop) Run(read func(stop <-chan struct{}) (EndReason, error), onEnd EndFunc) {
	l.started.Store(true)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(l.done)

		reason, err := read(l.stop)

		l.deliverMu.Lock()
		l.ended = true
		l.deliverMu.Unlock()

		select {
		case <-l.stop:
			// A requested stop always reports Stopped
			reason, err = Stopped, nil
		default:
		}
		if onEnd != nil {
			onEnd(reason, err)
		}
	}()
}

// Stop signals the read loop and waits up to timeout for it to return.
// It reports whether the loop finished in time.
func (l *DecodeLoop) Stop(timeout time.Duration) bool {
	l.stopOnce.Do(func() { close(l.stop) })
	if !l.started.Load() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}

// Deliver runs fn unless the read loop has returned or Stop was requested, and
// reports whether it ran. The end notification waits for a running fn.
// Backends that produce frames outside read use it to drop late frames.
func (l *DecodeLoop) Deliver(fn func()) bool {
	l.deliverMu.RLock()
	defer l.deliverMu.RUnlock()
	if l.ended {
		return false
	}
	select {
	case <-l.stop:
		return false
	default:
	}
	fn()
	return true
}

// Stopping returns a channel closed once Stop has been requested
func (l *DecodeLoop) Stopping() <-chan struct{} {
	return l.stop
}

// Close runs release exactly once and returns its result on every call
func (l *DecodeLoop) Close(release func() error) error {
	l.closeOnce.Do(func() {
		if release != nil {
			l.closeErr = release()
		}
	})
	return l.closeErr
}

// ErrClosed is returned when starting a source that was already closed
var ErrClosed = errors.New("stream source closed")
