// Package pipeline runs one camera: it supervises the stream connection, gates
// frames on motion, schedules detector runs by tier, and publishes an annotated
// frame with the current count after every processed frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Spatial-NVR/SpatialCount/internal/detection"
	"github.com/Spatial-NVR/SpatialCount/internal/events"
	"github.com/Spatial-NVR/SpatialCount/internal/metrics"
	"github.com/Spatial-NVR/SpatialCount/internal/motion"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

// Status messages pushed to subscribers
const (
	MsgConnecting       = "Connecting..."
	MsgRetrying         = "Stream disconnected. Retrying..."
	MsgStopped          = "Processing stopped."
	MsgDetectorFailed   = "Detector failed to initialize."
	MsgFailedToStartFmt = "Failed to start: %v"
)

// DefaultRetryDelay is the fixed wait between reconnect attempts
const DefaultRetryDelay = 5 * time.Second

// Publisher receives a camera status after every processed frame and status change
type Publisher interface {
	PublishCameraStatus(events.CameraStatus) error
}

// RoiStore persists ROI changes
type RoiStore interface {
	SaveRoi(ctx context.Context, cameraID int64, poly roi.Polygon) error
}

// CountFunc is told the camera's current count after every cycle and on reset
type CountFunc func(cameraID int64, count int)

// Config holds everything a pipeline needs. Source and Detector are required.
type Config struct {
	CameraID int64
	Name     string
	URL      string

	Source    stream.Factory
	Detector  detection.Detector
	Publisher Publisher
	RoiStore  RoiStore
	OnCount   CountFunc

	Settings   Settings
	Roi        roi.Polygon
	RetryDelay time.Duration
	// ReadyTimeout bounds the detector readiness check at start
	ReadyTimeout time.Duration

	// Now and After replace the wall clock in tests
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Pipeline processes one camera stream
type Pipeline struct {
	id        int64
	name      string
	url       string
	factory   stream.Factory
	detector  detection.Detector
	publisher Publisher
	roiStore  RoiStore
	onCount   CountFunc
	retry     time.Duration
	readyWait time.Duration
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	logger    *slog.Logger

	statusMu sync.RWMutex
	status   Status
	message  string
	frameURI string

	roiMu sync.RWMutex
	roi   roi.Polygon

	settingsMu sync.RWMutex
	settings   Settings

	detMu      sync.RWMutex
	detections []detection.Detection

	// countMu orders detector results against resets; session counts resets
	countMu sync.Mutex
	session atomic.Uint64

	queue   *frameQueue
	gate    *motion.Gate
	tier    atomic.Int32
	dropped atomic.Int64

	dropLog   rate.Sometimes
	detectLog rate.Sometimes

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: source factory is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}

	p := &Pipeline{
		id:        cfg.CameraID,
		name:      cfg.Name,
		url:       cfg.URL,
		factory:   cfg.Source,
		detector:  cfg.Detector,
		publisher: cfg.Publisher,
		roiStore:  cfg.RoiStore,
		onCount:   cfg.OnCount,
		retry:     cfg.RetryDelay,
		readyWait: cfg.ReadyTimeout,
		now:       cfg.Now,
		after:     cfg.After,
		logger:    slog.Default().With("component", "camera-pipeline", "camera", cfg.CameraID),
		status:    Inactive,
		roi:       cfg.Roi.Clone(),
		settings:  cfg.Settings.Normalize(),
		queue:     newFrameQueue(),
		gate:      motion.NewGate(),
		dropLog:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
		detectLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		done:      make(chan struct{}),
	}
	p.tier.Store(int32(IdleScan))
	return p, nil
}

// ID returns the camera id
func (p *Pipeline) ID() int64 { return p.id }

// Name returns the camera name
func (p *Pipeline) Name() string { return p.name }

// Start launches the supervisor and processing goroutines. Only the first call has an effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		go p.run(ctx)
	})
}

// Stop asks the pipeline to finish. It does not wait; use Done for that.
func (p *Pipeline) Stop() {
	p.startOnce.Do(func() {
		// Never started: nothing to unwind
		p.cancel = func() {}
		close(p.done)
	})
	p.cancel()
	p.queue.Close()
}

// Done is closed once every pipeline goroutine has exited
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		p.work(ctx)
	}()

	if err := p.checkDetector(ctx); err != nil {
		p.logger.Error("Cannot start because detector is not ready", "error", err)
		p.setStatus(Error, MsgDetectorFailed)
		p.emit()
		p.queue.Close()
		<-workerDone
		return
	}

	p.supervise(ctx)

	p.queue.Close()
	<-workerDone

	p.statusMu.Lock()
	if p.status != Error {
		p.status = Inactive
	}
	p.message = MsgStopped
	status := p.status
	p.statusMu.Unlock()
	metrics.SetCameraStatus(p.id, int(status))

	p.resetState()
	p.emit()
	p.logger.Info("Processing stopped", "status", status)
}

func (p *Pipeline) checkDetector(ctx context.Context) error {
	if p.detector == nil {
		return detection.ErrDetectorUnavailable
	}
	rc, ok := p.detector.(detection.ReadyChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.readyWait)
	defer cancel()
	return rc.Ready(ctx)
}

type streamEnd struct {
	reason stream.EndReason
	err    error
}

// supervise connects, waits for the stream to end, and reconnects after a
// fixed delay until ctx is cancelled or a configuration fault occurs
func (p *Pipeline) supervise(ctx context.Context) {
	for ctx.Err() == nil {
		p.setStatus(Connecting, MsgConnecting)
		p.emit()

		src := p.factory(p.url)
		ended := make(chan streamEnd, 1)
		err := src.Start(ctx, p.onFrame, func(reason stream.EndReason, err error) {
			ended <- streamEnd{reason: reason, err: err}
		})

		if err != nil {
			_ = src.Close()
			if errors.Is(err, stream.ErrNoURL) || errors.Is(err, stream.ErrUnsupportedURL) {
				p.logger.Error("Stream is misconfigured", "error", err)
				p.setStatus(Error, fmt.Sprintf(MsgFailedToStartFmt, err))
				p.emit()
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Failed to open stream", "error", err)
		} else {
			p.logger.Info("Stream started")
			select {
			case end := <-ended:
				p.logger.Warn("Stream ended", "reason", end.reason, "error", end.err)
			case <-ctx.Done():
			}
			src.Stop()
			if err := src.Close(); err != nil {
				p.logger.Warn("Failed to release stream", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}

		p.setStatus(Retrying, MsgRetrying)
		p.resetState()
		p.emit()

		select {
		case <-p.after(p.retry):
		case <-ctx.Done():
			return
		}
	}
}

// onFrame runs on the decode goroutine
func (p *Pipeline) onFrame(f *stream.RawFrame) {
	if p.queue.Offer(f) {
		return
	}
	p.dropped.Add(1)
	metrics.IncFramesDropped(p.id)
	p.dropLog.Do(func() {
		p.logger.Debug("Dropping frames, processing is behind", "dropped", p.dropped.Load())
	})
}

func (p *Pipeline) work(ctx context.Context) {
	p.logger.Info("Frame processing worker started")
	sched := newScheduler(p.now())
	for {
		f, ok := p.queue.Take()
		if !ok || ctx.Err() != nil {
			p.logger.Info("Frame processing worker shutting down")
			return
		}
		p.process(ctx, sched, p.session.Load(), f)
	}
}

// process runs one cycle. Only the worker goroutine calls it. A frame whose
// session was reset before it finished is discarded.
func (p *Pipeline) process(ctx context.Context, sched *scheduler, session uint64, f *stream.RawFrame) {
	if !p.markNormal(session) {
		return
	}
	settings := p.Settings()
	now := p.now()

	img := f.RGBA()
	moved := p.gate.Detect(img, settings.MotionPixelThreshold, settings.MotionAreaThreshold)
	run := sched.observe(now, moved, settings)
	p.tier.Store(int32(sched.tier))

	poly := p.Roi()
	var result []detection.Detection
	replace := false
	if run {
		metrics.IncDetectorRun(p.id, sched.tier.String())
		dets, err := p.detector.Detect(ctx, poly.Mask(img), settings.Confidence, settings.NMS, settings.Classes)
		if err != nil {
			metrics.IncDetectorError(p.id)
			if ctx.Err() != nil {
				return
			}
			p.detectLog.Do(func() {
				p.logger.Warn("Detection failed, keeping last result", "error", err)
			})
		} else {
			result, replace = dets, true
		}
	}

	dets, ok := p.commit(session, result, replace)
	if !ok {
		p.logger.Debug("Discarding frame from a reset stream session")
		return
	}

	drawOverlay(img, poly, dets, sched.tier, run)

	uri, err := encodeDataURI(img, settings.JPEGQuality)
	if err != nil {
		p.logger.Error("Error encoding frame", "error", err)
	}
	p.statusMu.Lock()
	p.frameURI = uri
	p.statusMu.Unlock()

	p.emit()
	metrics.IncFramesProcessed(p.id)
}

// markNormal moves a connecting pipeline to Normal on its first frame and
// reports whether a frame from session should be processed
func (p *Pipeline) markNormal(session uint64) bool {
	if p.session.Load() != session {
		return false
	}
	p.statusMu.Lock()
	changed := p.status == Connecting
	if changed {
		p.status = Normal
		p.message = ""
	}
	normal := p.status == Normal
	p.statusMu.Unlock()
	if changed {
		metrics.SetCameraStatus(p.id, int(Normal))
		p.logger.Info("Camera status changed", "status", Normal)
	}
	return normal
}

// commit stores a detector result when replace is set and reports the current
// count. Nothing is stored or reported once session has been reset.
func (p *Pipeline) commit(session uint64, result []detection.Detection, replace bool) ([]detection.Detection, bool) {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	if p.session.Load() != session || p.Status() != Normal {
		return nil, false
	}

	p.detMu.Lock()
	if replace {
		p.detections = result
	}
	dets := p.detections
	p.detMu.Unlock()

	if p.onCount != nil {
		p.onCount(p.id, len(dets))
	}
	metrics.SetCameraCount(p.id, len(dets))
	return dets, true
}

func (p *Pipeline) setStatus(s Status, msg string) {
	p.statusMu.Lock()
	changed := p.status != s
	p.status = s
	p.message = msg
	p.statusMu.Unlock()

	metrics.SetCameraStatus(p.id, int(s))
	if changed {
		p.logger.Info("Camera status changed", "status", s)
	}
}

// resetState ends the current stream session, clears the last known
// detections and the motion baseline, then reports the zero count
func (p *Pipeline) resetState() {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	p.session.Add(1)

	p.detMu.Lock()
	p.detections = nil
	p.detMu.Unlock()
	p.gate.Reset()

	if p.onCount != nil {
		p.onCount(p.id, 0)
	}
	metrics.SetCameraCount(p.id, 0)
}

func (p *Pipeline) emit() {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishCameraStatus(p.Snapshot()); err != nil {
		p.logger.Warn("Failed to publish camera status", "error", err)
	}
}

// Status returns the connection status
func (p *Pipeline) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// Message returns the last status message
func (p *Pipeline) Message() string {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.message
}

// Tier returns the tier of the most recent processed frame
func (p *Pipeline) Tier() Tier {
	return Tier(p.tier.Load())
}

// Dropped returns the number of frames dropped by backpressure
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Detections returns a copy of the last known detection set
func (p *Pipeline) Detections() []detection.Detection {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return append([]detection.Detection(nil), p.detections...)
}

// Count returns the number of objects in the last known detection set
func (p *Pipeline) Count() int {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return len(p.detections)
}

// Roi returns a copy of the current polygon
func (p *Pipeline) Roi() roi.Polygon {
	p.roiMu.RLock()
	defer p.roiMu.RUnlock()
	return p.roi.Clone()
}

// SetRoi persists poly and then swaps it in for the next frame
func (p *Pipeline) SetRoi(ctx context.Context, poly roi.Polygon) error {
	poly = poly.Clamp()
	if p.roiStore != nil {
		if err := p.roiStore.SaveRoi(ctx, p.id, poly); err != nil {
			return fmt.Errorf("failed to save roi: %w", err)
		}
	}

	p.roiMu.Lock()
	p.roi = poly
	p.roiMu.Unlock()

	p.logger.Info("ROI updated", "points", len(poly), "active", poly.Valid())
	return nil
}

// Settings returns the current settings
func (p *Pipeline) Settings() Settings {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	s := p.settings
	s.Classes = append([]string(nil), s.Classes...)
	return s
}

// ApplySettings replaces the settings used from the next frame on
func (p *Pipeline) ApplySettings(s Settings) {
	s = s.Normalize()
	p.settingsMu.Lock()
	p.settings = s
	p.settingsMu.Unlock()
	p.logger.Info("Reloaded settings",
		"nth_frame", s.ActiveNthFrame,
		"idle_scan", s.IdleScanEnabled,
		"idle_interval", s.IdleScanInterval,
	)
}

// Snapshot returns the status payload for this camera
func (p *Pipeline) Snapshot() events.CameraStatus {
	p.statusMu.RLock()
	status, msg, uri := p.status, p.message, p.frameURI
	p.statusMu.RUnlock()

	return events.CameraStatus{
		CameraID:          p.id,
		Name:              p.name,
		Status:            status.String(),
		FrameDataURI:      uri,
		TotalTrackedCount: p.Count(),
		Roi:               p.Roi(),
		Message:           msg,
	}
}
