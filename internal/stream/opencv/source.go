//go:build opencv

package opencv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

var envOnce sync.Once

// Config holds capture settings
type Config struct {
	OpenTimeout time.Duration
	StopTimeout time.Duration
}

// Source is an OpenCV backed stream.Source
type Source struct {
	url    string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	loop    *stream.DecodeLoop
}

// New creates a source for url
func New(url string, cfg Config) *Source {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Source{
		url:    url,
		cfg:    cfg,
		loop:   stream.NewDecodeLoop(),
		logger: slog.Default().With("component", "stream", "backend", "opencv"),
	}
}

// Factory returns a stream.Factory building OpenCV sources
func Factory(cfg Config) stream.Factory {
	return func(url string) stream.Source {
		return New(url, cfg)
	}
}

// Start opens the capture over TCP with the configured timeout and starts reading
func (s *Source) Start(ctx context.Context, onFrame stream.FrameFunc, onEnd stream.EndFunc) error {
	if err := stream.ValidateURL(s.url); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	envOnce.Do(func() {
		// Applies to every capture opened by this process
		_ = os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS",
			fmt.Sprintf("rtsp_transport;tcp|timeout;%d", s.cfg.OpenTimeout.Microseconds()))
	})

	capture, err := gocv.OpenVideoCaptureWithAPI(s.url, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return fmt.Errorf("failed to open stream: capture not opened")
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	s.mu.Lock()
	s.capture = capture
	s.mu.Unlock()

	s.loop.Run(func(stop <-chan struct{}) (stream.EndReason, error) {
		return s.read(capture, stop, onFrame)
	}, onEnd)

	s.logger.Info("Stream opened")
	return nil
}

func (s *Source) read(capture *gocv.VideoCapture, stop <-chan struct{}, onFrame stream.FrameFunc) (stream.EndReason, error) {
	bgr := gocv.NewMat()
	defer bgr.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	for {
		select {
		case <-stop:
			return stream.Stopped, nil
		default:
		}

		if !capture.Read(&bgr) {
			return stream.EndOfFile, nil
		}
		if bgr.Empty() {
			continue
		}

		if err := gocv.CvtColor(bgr, &rgba, gocv.ColorBGRToRGBA); err != nil {
			s.logger.Debug("Skipping frame", "error", err)
			continue
		}

		data, err := rgba.DataPtrUint8()
		if err != nil {
			continue
		}
		frame, err := stream.NewRawFrame(data, rgba.Cols(), rgba.Rows(), rgba.Step(), stream.FormatRGBA)
		if err != nil {
			s.logger.Debug("Skipping frame", "error", err)
			continue
		}
		s.loop.Deliver(func() { onFrame(frame) })
	}
}

// Stop ends the read loop
func (s *Source) Stop() {
	if !s.loop.Stop(s.cfg.StopTimeout) {
		s.logger.Warn("Decode loop did not stop in time", "timeout", s.cfg.StopTimeout)
	}
}

// Close releases the capture
func (s *Source) Close() error {
	return s.loop.Close(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.capture == nil {
			return nil
		}
		err := s.capture.Close()
		s.capture = nil
		return err
	})
}
