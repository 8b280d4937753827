package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Spatial-NVR/SpatialCount/internal/detection"
	"github.com/Spatial-NVR/SpatialCount/internal/events"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

const waitTimeout = 5 * time.Second

// fakeSource delivers frames on the test goroutine
type fakeSource struct {
	url      string
	startErr error

	mu      sync.Mutex
	onFrame stream.FrameFunc
	onEnd   stream.EndFunc
	endOnce sync.Once
	closed  atomic.Int32
}

func (s *fakeSource) Start(_ context.Context, onFrame stream.FrameFunc, onEnd stream.EndFunc) error {
	if err := stream.ValidateURL(s.url); err != nil {
		return err
	}
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.onFrame, s.onEnd = onFrame, onEnd
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) frame(f *stream.RawFrame) {
	s.mu.Lock()
	fn := s.onFrame
	s.mu.Unlock()
	fn(f)
}

func (s *fakeSource) end(reason stream.EndReason) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		fn := s.onEnd
		s.mu.Unlock()
		if fn != nil {
			fn(reason, nil)
		}
	})
}

func (s *fakeSource) Stop()        { s.end(stream.Stopped) }
func (s *fakeSource) Close() error { s.closed.Add(1); return nil }

// fakeFactory hands every started source to the test
type fakeFactory struct {
	startErr error
	started  chan *fakeSource
	attempts atomic.Int32
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{started: make(chan *fakeSource, 16)}
}

func (f *fakeFactory) New(url string) stream.Source {
	f.attempts.Add(1)
	s := &fakeSource{url: url, startErr: f.startErr}
	return &notifyingSource{fakeSource: s, started: f.started}
}

type notifyingSource struct {
	*fakeSource
	started chan *fakeSource
}

func (s *notifyingSource) Start(ctx context.Context, onFrame stream.FrameFunc, onEnd stream.EndFunc) error {
	err := s.fakeSource.Start(ctx, onFrame, onEnd)
	if err == nil {
		s.started <- s.fakeSource
	}
	return err
}

type fakeDetector struct {
	mu       sync.Mutex
	calls    int
	dets     []detection.Detection
	err      error
	readyErr error
	block    chan struct{}
	lastImg  image.Image
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, _, _ float64, _ []string) ([]detection.Detection, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastImg = img
	return d.dets, d.err
}

func (d *fakeDetector) Ready(context.Context) error { return d.readyErr }

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakePublisher struct {
	mu       sync.Mutex
	statuses []events.CameraStatus
	ch       chan events.CameraStatus
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan events.CameraStatus, 1024)}
}

func (p *fakePublisher) PublishCameraStatus(s events.CameraStatus) error {
	p.mu.Lock()
	p.statuses = append(p.statuses, s)
	p.mu.Unlock()
	select {
	case p.ch <- s:
	default:
	}
	return nil
}

func (p *fakePublisher) all() []events.CameraStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.CameraStatus(nil), p.statuses...)
}

type fakeRoiStore struct {
	err   error
	saved roi.Polygon
}

func (s *fakeRoiStore) SaveRoi(_ context.Context, _ int64, poly roi.Polygon) error {
	if s.err != nil {
		return s.err
	}
	s.saved = poly
	return nil
}

type harness struct {
	p         *Pipeline
	factory   *fakeFactory
	detector  *fakeDetector
	publisher *fakePublisher
	counts    chan int
	afterReq  chan time.Duration
	tick      chan time.Time
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		factory:   newFakeFactory(),
		detector:  &fakeDetector{},
		publisher: newFakePublisher(),
		counts:    make(chan int, 1024),
		afterReq:  make(chan time.Duration, 16),
		tick:      make(chan time.Time, 1),
	}

	cfg := Config{
		CameraID:  1,
		Name:      "front",
		URL:       "rtsp://192.0.2.10/stream",
		Source:    h.factory.New,
		Detector:  h.detector,
		Publisher: h.publisher,
		OnCount:   func(_ int64, n int) { h.counts <- n },
		Settings:  DefaultSettings(),
		Now:       func() time.Time { return t0 },
		After: func(d time.Duration) <-chan time.Time {
			h.afterReq <- d
			return h.tick
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.p = p
	t.Cleanup(func() {
		p.Stop()
		<-p.Done()
	})
	return h
}

func (h *harness) source(t *testing.T) *fakeSource {
	t.Helper()
	select {
	case s := <-h.factory.started:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for source start")
		return nil
	}
}

// feed delivers one frame and waits until it has been processed
func (h *harness) feed(t *testing.T, src *fakeSource, f *stream.RawFrame) int {
	t.Helper()
	src.frame(f)
	select {
	case n := <-h.counts:
		return n
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for frame to be processed")
		return 0
	}
}

func waitStatus(t *testing.T, p *Pipeline, want Status) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if p.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for status %v, have %v", want, p.Status())
}

func solidFrame(t *testing.T, w, h int, c color.RGBA) *stream.RawFrame {
	t.Helper()
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
	f, err := stream.NewRawFrame(pix, w, h, w*4, stream.FormatRGBA)
	if err != nil {
		t.Fatalf("NewRawFrame failed: %v", err)
	}
	return f
}

var gray = color.RGBA{R: 90, G: 90, B: 90, A: 255}

func TestPipeline_ProcessesAndPublishes(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.ActiveNthFrame = 1 })
	h.detector.dets = []detection.Detection{
		{Box: detection.BoundingBox{X: 4, Y: 4, Width: 10, Height: 20}, Label: "person", Confidence: 0.9},
		{Box: detection.BoundingBox{X: 30, Y: 4, Width: 10, Height: 20}, Label: "person", Confidence: 0.8},
	}
	h.p.Start(context.Background())

	src := h.source(t)
	if n := h.feed(t, src, solidFrame(t, 64, 48, gray)); n != 2 {
		t.Errorf("Expected count 2, got %d", n)
	}

	if h.p.Status() != Normal {
		t.Errorf("Expected Normal, got %v", h.p.Status())
	}

	snap := h.p.Snapshot()
	if !strings.HasPrefix(snap.FrameDataURI, "data:image/jpeg;base64,") {
		t.Errorf("Expected JPEG data URI, got %.40q", snap.FrameDataURI)
	}
	if snap.TotalTrackedCount != 2 || snap.Status != "Normal" || snap.Name != "front" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	var sawConnecting bool
	for _, s := range h.publisher.all() {
		if s.Status == "Connecting" && s.Message == MsgConnecting {
			sawConnecting = true
		}
	}
	if !sawConnecting {
		t.Error("Expected a Connecting status to be published")
	}
}

func TestPipeline_NthFrameScenario(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.ActiveNthFrame = 5 })
	h.p.Start(context.Background())

	src := h.source(t)
	frame := solidFrame(t, 64, 48, gray)
	for i := 0; i < 12; i++ {
		h.feed(t, src, frame.Clone())
	}

	if calls := h.detector.Calls(); calls != 2 {
		t.Errorf("Expected 2 detector runs over 12 frames, got %d", calls)
	}
	if h.p.Tier() != Active {
		t.Errorf("Expected Active tier, got %v", h.p.Tier())
	}
}

func TestPipeline_KeepsLastDetections(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.ActiveNthFrame = 2 })
	h.detector.dets = []detection.Detection{{Label: "person"}, {Label: "person"}, {Label: "person"}}
	h.p.Start(context.Background())

	src := h.source(t)
	frame := solidFrame(t, 32, 32, gray)

	want := []int{0, 3, 3, 3}
	for i, w := range want {
		if got := h.feed(t, src, frame.Clone()); got != w {
			t.Errorf("Frame %d: expected count %d, got %d", i+1, w, got)
		}
	}
	if h.detector.Calls() != 2 {
		t.Errorf("Expected 2 detector runs, got %d", h.detector.Calls())
	}
}

func TestPipeline_DetectorErrorKeepsPreviousSet(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.ActiveNthFrame = 1 })
	h.detector.dets = []detection.Detection{{Label: "person"}}
	h.p.Start(context.Background())

	src := h.source(t)
	frame := solidFrame(t, 32, 32, gray)
	if n := h.feed(t, src, frame.Clone()); n != 1 {
		t.Fatalf("Expected count 1, got %d", n)
	}

	h.detector.mu.Lock()
	h.detector.err = &detection.DetectionError{Message: "model busy"}
	h.detector.mu.Unlock()

	if n := h.feed(t, src, frame.Clone()); n != 1 {
		t.Errorf("Expected count to stay 1 after a failed run, got %d", n)
	}
	if h.p.Status() != Normal {
		t.Errorf("A per-frame detector failure must not change status, got %v", h.p.Status())
	}
}

func TestPipeline_EndOfFileRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start(context.Background())

	for attempt := 1; attempt <= 3; attempt++ {
		src := h.source(t)
		h.feed(t, src, solidFrame(t, 16, 16, gray))
		src.end(stream.EndOfFile)

		select {
		case d := <-h.afterReq:
			if d != DefaultRetryDelay {
				t.Errorf("Attempt %d: expected retry delay %v, got %v", attempt, DefaultRetryDelay, d)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("Attempt %d: no reconnect scheduled", attempt)
		}

		if h.p.Status() != Retrying {
			t.Errorf("Attempt %d: expected Retrying, got %v", attempt, h.p.Status())
		}
		if h.p.Message() != MsgRetrying {
			t.Errorf("Attempt %d: unexpected message %q", attempt, h.p.Message())
		}
		if h.p.Count() != 0 {
			t.Errorf("Attempt %d: expected count reset, got %d", attempt, h.p.Count())
		}
		if src.closed.Load() != 1 {
			t.Errorf("Attempt %d: expected source closed once, got %d", attempt, src.closed.Load())
		}

		h.tick <- t0
	}

	// The fourth connection attempt is underway
	h.source(t)

	for _, s := range h.publisher.all() {
		if s.Status == "Error" {
			t.Fatalf("Transient end of stream must never reach Error: %+v", s)
		}
	}
	if got := h.factory.attempts.Load(); got != 4 {
		t.Errorf("Expected 4 connection attempts, got %d", got)
	}
}

func TestPipeline_LateDetectionAfterDisconnect(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.ActiveNthFrame = 1 })
	h.detector.dets = []detection.Detection{{Label: "person"}}
	h.detector.block = make(chan struct{})
	h.p.Start(context.Background())

	src := h.source(t)
	src.frame(solidFrame(t, 32, 32, gray))
	waitStatus(t, h.p, Normal)

	// The stream drops while the detector is still working on the frame
	src.end(stream.EndOfFile)
	select {
	case <-h.afterReq:
	case <-time.After(waitTimeout):
		t.Fatal("No reconnect scheduled")
	}
	close(h.detector.block)

	deadline := time.Now().Add(waitTimeout)
	for h.detector.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Detector never returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.p.Stop()
	<-h.p.Done()

	if n := h.p.Count(); n != 0 {
		t.Errorf("Expected count 0 after disconnect, got %d", n)
	}
	for len(h.counts) > 0 {
		if n := <-h.counts; n != 0 {
			t.Errorf("Late detection reported count %d", n)
		}
	}
	for _, s := range h.publisher.all() {
		if s.TotalTrackedCount != 0 {
			t.Errorf("Published count %d with status %s", s.TotalTrackedCount, s.Status)
		}
	}
}

func TestPipeline_OpenFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.startErr = errors.New("connection refused")
	h.p.Start(context.Background())

	select {
	case <-h.afterReq:
	case <-time.After(waitTimeout):
		t.Fatal("Expected a retry after an open failure")
	}
	if h.p.Status() != Retrying {
		t.Errorf("Expected Retrying, got %v", h.p.Status())
	}
}

func TestPipeline_MissingURLIsError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.URL = "" })
	h.p.Start(context.Background())

	select {
	case <-h.p.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Pipeline did not stop after a configuration fault")
	}

	if h.p.Status() != Error {
		t.Errorf("Expected Error, got %v", h.p.Status())
	}
	if !strings.HasPrefix(h.p.Message(), "Failed to start:") {
		t.Errorf("Unexpected message %q", h.p.Message())
	}
	if len(h.afterReq) != 0 {
		t.Error("Error must not schedule a retry")
	}
}

func TestPipeline_DetectorUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config, d *fakeDetector)
	}{
		{"not ready", func(c *Config, d *fakeDetector) { d.readyErr = detection.ErrDetectorUnavailable }},
		{"nil detector", func(c *Config, d *fakeDetector) { c.Detector = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &fakeDetector{}
			h := newHarness(t, func(c *Config) {
				c.Detector = det
				tt.mutate(c, det)
			})
			h.p.Start(context.Background())

			select {
			case <-h.p.Done():
			case <-time.After(waitTimeout):
				t.Fatal("Pipeline did not halt")
			}

			if h.p.Status() != Error {
				t.Errorf("Expected Error, got %v", h.p.Status())
			}
			if h.p.Message() != MsgDetectorFailed {
				t.Errorf("Expected %q, got %q", MsgDetectorFailed, h.p.Message())
			}
			if h.factory.attempts.Load() != 0 {
				t.Error("No stream should be opened without a detector")
			}
		})
	}
}

func TestPipeline_StopPublishesStopped(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start(context.Background())
	src := h.source(t)
	h.feed(t, src, solidFrame(t, 16, 16, gray))

	h.p.Stop()
	select {
	case <-h.p.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Pipeline did not stop")
	}

	if h.p.Status() != Inactive {
		t.Errorf("Expected Inactive, got %v", h.p.Status())
	}
	all := h.publisher.all()
	last := all[len(all)-1]
	if last.Message != MsgStopped || last.Status != "Inactive" {
		t.Errorf("Expected final stopped status, got %+v", last)
	}
	if src.closed.Load() != 1 {
		t.Errorf("Expected source to be closed, got %d", src.closed.Load())
	}
}

func TestPipeline_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory := newFakeFactory()
	p, err := New(Config{
		CameraID: 2,
		URL:      "rtsp://192.0.2.10/stream",
		Source:   factory.New,
		Detector: &fakeDetector{},
		Settings: DefaultSettings(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p.Start(context.Background())
	<-factory.started
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Pipeline did not stop")
	}
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	p, err := New(Config{Source: newFakeFactory().New, Detector: &fakeDetector{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done should close when stopped before start")
	}
	p.Start(context.Background())
	if p.Status() != Inactive {
		t.Errorf("Start after Stop must be a no-op, got %v", p.Status())
	}
}

func TestPipeline_DropsFramesWhileBusy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.ActiveNthFrame = 1 })
	h.detector.block = make(chan struct{})
	h.p.Start(context.Background())
	src := h.source(t)

	frame := solidFrame(t, 16, 16, gray)
	// The first frame occupies the worker, the second fills the queue
	for i := 0; i < 10; i++ {
		src.frame(frame.Clone())
	}

	if h.p.Dropped() < 8 {
		t.Errorf("Expected at least 8 dropped frames, got %d", h.p.Dropped())
	}
	if h.p.queue.Len() > 1 {
		t.Errorf("Queue holds %d frames", h.p.queue.Len())
	}
	close(h.detector.block)
}

func TestPipeline_SetRoi(t *testing.T) {
	store := &fakeRoiStore{}
	h := newHarness(t, func(c *Config) { c.RoiStore = store })

	poly := roi.Polygon{{X: 0.1, Y: 0.1}, {X: 1.2, Y: 0.1}, {X: 0.5, Y: 0.9}}
	if err := h.p.SetRoi(context.Background(), poly); err != nil {
		t.Fatalf("SetRoi failed: %v", err)
	}

	got := h.p.Roi()
	if len(got) != 3 || got[1].X != 1 {
		t.Errorf("Expected clamped polygon, got %v", got)
	}
	if len(store.saved) != 3 {
		t.Errorf("Expected polygon to be persisted, got %v", store.saved)
	}

	store.err = errors.New("disk full")
	if err := h.p.SetRoi(context.Background(), roi.Polygon{}); err == nil {
		t.Fatal("Expected persistence error")
	}
	if len(h.p.Roi()) != 3 {
		t.Error("Failed save must leave the polygon unchanged")
	}
}

func TestPipeline_TwoPointRoiIsFullFrame(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Settings.ActiveNthFrame = 1
		c.Roi = roi.Polygon{{X: 0.1, Y: 0.1}, {X: 0.9, Y: 0.9}}
	})
	h.p.Start(context.Background())
	src := h.source(t)
	h.feed(t, src, solidFrame(t, 16, 16, gray))

	h.detector.mu.Lock()
	img := h.detector.lastImg
	h.detector.mu.Unlock()

	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA); c != gray {
				t.Fatalf("Pixel (%d,%d) = %v, expected unmasked %v", x, y, c, gray)
			}
		}
	}
}

func TestPipeline_RoiMasksDetectorInput(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Settings.ActiveNthFrame = 1
		c.Roi = roi.Polygon{{X: 0.5, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0.5, Y: 1}}
	})
	h.p.Start(context.Background())
	src := h.source(t)
	h.feed(t, src, solidFrame(t, 20, 20, gray))

	h.detector.mu.Lock()
	img := h.detector.lastImg
	h.detector.mu.Unlock()

	left := color.RGBAModel.Convert(img.At(2, 10)).(color.RGBA)
	right := color.RGBAModel.Convert(img.At(17, 10)).(color.RGBA)
	if left != (color.RGBA{A: 255}) {
		t.Errorf("Expected left half masked black, got %v", left)
	}
	if right != gray {
		t.Errorf("Expected right half untouched, got %v", right)
	}
}

func TestPipeline_ApplySettings(t *testing.T) {
	h := newHarness(t, nil)

	s := DefaultSettings()
	s.ActiveNthFrame = -3
	s.Classes = []string{"car"}
	h.p.ApplySettings(s)

	got := h.p.Settings()
	if got.ActiveNthFrame != 1 {
		t.Errorf("Expected nth frame clamped to 1, got %d", got.ActiveNthFrame)
	}
	s.Classes[0] = "bus"
	if got.Classes[0] != "car" {
		t.Error("Settings must not alias the caller's slice")
	}
}

func TestNew_RequiresSource(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error without a source factory")
	}
}
