// Package stream defines the decoded video source contract shared by the
// native decode backends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoURL is returned when a camera has no stream locator configured
var ErrNoURL = errors.New("stream URL is not configured")

// ErrUnsupportedURL is returned for locators no backend can open
var ErrUnsupportedURL = errors.New("unsupported stream URL")

// EndReason tells why a stream stopped producing frames
type EndReason int

const (
	Stopped EndReason = iota
	EndOfFile
	Error
)

func (r EndReason) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case EndOfFile:
		return "eof"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// FrameFunc receives each decoded frame. The frame is owned by the receiver.
type FrameFunc func(*RawFrame)

// EndFunc is called exactly once after the last frame has been delivered
type EndFunc func(reason EndReason, err error)

// Source is one network video stream decoded on a dedicated goroutine
type Source interface {
	// Start opens the stream and begins decoding. ctx bounds the open only.
	// An error means the stream could not be opened and neither callback
	// will be invoked.
	Start(ctx context.Context, onFrame FrameFunc, onEnd EndFunc) error
	// Stop asks the decode loop to finish and waits a bounded time for it.
	// It is safe to call more than once.
	Stop()
	// Close releases native resources. Only the first call has any effect.
	Close() error
}

// Factory creates a source for a stream URL
type Factory func(url string) Source

// ValidateURL rejects locators that can never be opened
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrNoURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "rtspt", "http", "https", "file":
		return nil
	default:
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
}
