// Package gstreamer decodes RTSP streams with a GStreamer pipeline ending in an appsink.
package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

var initOnce sync.Once

// Config holds pipeline settings
type Config struct {
	// OpenTimeout bounds connection setup and is passed to rtspsrc as tcp-timeout
	OpenTimeout time.Duration
	// StopTimeout bounds the decode loop join on Stop
	StopTimeout time.Duration
	// LatencyMs is the rtspsrc jitter buffer size
	LatencyMs int
}

// Source is a GStreamer backed stream.Source
type Source struct {
	url    string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	loop     *stream.DecodeLoop
}

// New creates a source for url
func New(url string, cfg Config) *Source {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.LatencyMs <= 0 {
		cfg.LatencyMs = 200
	}
	return &Source{
		url:    url,
		cfg:    cfg,
		loop:   stream.NewDecodeLoop(),
		logger: slog.Default().With("component", "stream", "backend", "gstreamer"),
	}
}

// Factory returns a stream.Factory building GStreamer sources
func Factory(cfg Config) stream.Factory {
	return func(url string) stream.Source {
		return New(url, cfg)
	}
}

// launchLine builds the pipeline description. rtspsrc is forced to TCP.
// videoconvert expands limited-range YUV to full-range RGBA.
func launchLine(url string, cfg Config) string {
	src := fmt.Sprintf("uridecodebin uri=%q", url)
	if strings.HasPrefix(strings.ToLower(url), "rtsp") {
		src = fmt.Sprintf("rtspsrc location=%q protocols=tcp tcp-timeout=%d latency=%d ! decodebin",
			url, cfg.OpenTimeout.Microseconds(), cfg.LatencyMs)
	}
	return src + " ! videoconvert ! video/x-raw,format=RGBA ! " +
		"appsink name=sink sync=false max-buffers=1 drop=true emit-signals=false"
}

// Start builds the pipeline, waits for it to start playing and launches the bus loop
func (s *Source) Start(ctx context.Context, onFrame stream.FrameFunc, onEnd stream.EndFunc) error {
	if err := stream.ValidateURL(s.url); err != nil {
		return err
	}

	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(launchLine(s.url, s.cfg))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to find appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			s.onSample(sink, onFrame)
			return gst.FlowOK
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	if err := s.waitPlaying(ctx, pipeline); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return err
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()

	s.loop.Run(func(stop <-chan struct{}) (stream.EndReason, error) {
		return s.watchBus(pipeline, stop)
	}, onEnd)

	s.logger.Info("Stream opened", "url", redact(s.url))
	return nil
}

// waitPlaying blocks until the pipeline reports PLAYING, an error, or the open timeout
func (s *Source) waitPlaying(ctx context.Context, pipeline *gst.Pipeline) error {
	deadline := time.Now().Add(s.cfg.OpenTimeout)
	bus := pipeline.GetPipelineBus()

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("failed to open stream: %s", gerr.Error())
		case gst.MessageEOS:
			return fmt.Errorf("failed to open stream: end of stream before playing")
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("failed to open stream: timed out after %s", s.cfg.OpenTimeout)
}

// watchBus runs on the decode loop goroutine until EOS, an error, or stop
func (s *Source) watchBus(pipeline *gst.Pipeline, stop <-chan struct{}) (stream.EndReason, error) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-stop:
			return stream.Stopped, nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return stream.EndOfFile, nil
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Warn("Pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			return stream.Error, fmt.Errorf("pipeline error: %s", gerr.Error())
		}
	}
}

func (s *Source) onSample(sink *app.Sink, onFrame stream.FrameFunc) {
	sample := sink.PullSample()
	if sample == nil {
		return
	}

	width, height, ok := sampleSize(sample)
	if !ok {
		return
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return
	}

	// Copy before unmap; GStreamer reuses the buffer
	frame, err := stream.NewRawFrame(data, width, height, len(data)/height, stream.FormatRGBA)
	if err != nil {
		s.logger.Debug("Skipping malformed sample", "error", err)
		return
	}
	// appsink keeps pulling until Stop moves the pipeline to NULL
	s.loop.Deliver(func() { onFrame(frame) })
}

func sampleSize(sample *gst.Sample) (int, int, bool) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, false
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, false
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, false
	}
	width, ok1 := w.(int)
	height, ok2 := h.(int)
	if !ok1 || !ok2 || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

// Stop ends the bus loop and moves the pipeline to NULL
func (s *Source) Stop() {
	if !s.loop.Stop(s.cfg.StopTimeout) {
		s.logger.Warn("Decode loop did not stop in time", "timeout", s.cfg.StopTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil {
		_ = s.pipeline.SetState(gst.StateNull)
	}
}

// Close releases the pipeline
func (s *Source) Close() error {
	return s.loop.Close(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pipeline == nil {
			return nil
		}
		err := s.pipeline.SetState(gst.StateNull)
		s.pipeline = nil
		return err
	})
}

// redact hides credentials embedded in a stream URL
func redact(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return u
	}
	return u[:scheme+3] + "***" + u[at:]
}
