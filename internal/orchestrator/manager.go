// Package orchestrator owns the camera pipelines: it loads cameras and the
// zone/location topology, probes and starts every enabled camera, and keeps
// zone and location totals in step with camera counts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/SpatialCount/internal/detection"
	"github.com/Spatial-NVR/SpatialCount/internal/events"
	"github.com/Spatial-NVR/SpatialCount/internal/metrics"
	"github.com/Spatial-NVR/SpatialCount/internal/notify"
	"github.com/Spatial-NVR/SpatialCount/internal/pipeline"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
	"github.com/Spatial-NVR/SpatialCount/internal/store"
	"github.com/Spatial-NVR/SpatialCount/internal/stream"
)

// ErrCameraNotFound is returned for ids the manager does not know
var ErrCameraNotFound = errors.New("camera not found")

// Messages for cameras that never got a pipeline
const (
	MsgNoURL            = "RTSP URL is not configured."
	MsgUnreachableFmt   = "Host unreachable at %s"
	MsgUnreachableStart = "Host unreachable on startup"
)

// Store is the part of the configuration store the manager reads and writes
type Store interface {
	EnabledCameras(ctx context.Context) ([]store.Camera, error)
	Zones(ctx context.Context) ([]store.Zone, error)
	Locations(ctx context.Context) ([]store.Location, error)
	Roi(ctx context.Context, cameraID int64) (roi.Polygon, error)
	SaveRoi(ctx context.Context, cameraID int64, poly roi.Polygon) error
}

// Publisher receives camera, zone and location updates
type Publisher interface {
	pipeline.Publisher
	PublishZoneCount(events.CountStatus) error
	PublishLocationCount(events.CountStatus) error
}

// ProbeFunc checks whether a stream URL is reachable
type ProbeFunc func(ctx context.Context, url string) error

// Config holds manager dependencies. Store, Source and Publisher are required.
type Config struct {
	Store     Store
	Source    stream.Factory
	Detector  detection.Detector
	Publisher Publisher
	Settings  pipeline.Settings

	RetryDelay   time.Duration
	ProbeTimeout time.Duration
	// Probe replaces the TCP reachability check
	Probe ProbeFunc
}

type cameraEntry struct {
	camera   store.Camera
	pipeline *pipeline.Pipeline
	// reason is set when the camera has no pipeline
	reason string
	count  atomic.Int64
}

type zoneEntry struct {
	zone  store.Zone
	total atomic.Int64
}

type locationEntry struct {
	location store.Location
	total    atomic.Int64
}

// Manager starts, stops and aggregates camera pipelines
type Manager struct {
	store     Store
	factory   stream.Factory
	detector  detection.Detector
	publisher Publisher
	probe     ProbeFunc
	retry     time.Duration
	logger    *slog.Logger

	settingsMu sync.RWMutex
	settings   pipeline.Settings

	cameras   syncMap[int64, *cameraEntry]
	zones     syncMap[int64, *zoneEntry]
	locations syncMap[int64, *locationEntry]

	// aggMu orders recomputation so a stale sum never overwrites a newer one
	aggMu sync.Mutex
	// reloadMu serializes Start and Reload
	reloadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	ready     chan struct{}
	initErr   error
}

// New creates a manager. Pipelines run until Stop, independent of the context passed to Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("orchestrator: source factory is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("orchestrator: publisher is required")
	}
	if cfg.Probe == nil {
		timeout := cfg.ProbeTimeout
		cfg.Probe = func(ctx context.Context, url string) error {
			return Probe(ctx, url, timeout)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     cfg.Store,
		factory:   cfg.Source,
		detector:  cfg.Detector,
		publisher: cfg.Publisher,
		probe:     cfg.Probe,
		retry:     cfg.RetryDelay,
		logger:    slog.Default().With("component", "orchestrator"),
		settings:  cfg.Settings.Normalize(),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}, nil
}

// Start loads the configuration and starts every reachable enabled camera
// concurrently. It returns once every camera has been probed; Ready is closed
// at the same time, even when loading fails. Later calls return the first result.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		defer close(m.ready)
		m.logger.Info("Starting orchestrator")

		m.reloadMu.Lock()
		defer m.reloadMu.Unlock()

		cameras, err := m.loadTopology(ctx)
		if err != nil {
			m.initErr = err
			m.logger.Error("Failed to load configuration", "error", err)
			return
		}
		m.startCameras(ctx, cameras)
		m.recomputeAll()

		m.logger.Info("Orchestrator started",
			"cameras", len(cameras),
			"zones", m.zones.Len(),
			"locations", m.locations.Len(),
		)
	})
	return m.initErr
}

// Ready is closed once Start has finished
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Wait blocks until Start has finished or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadTopology reads enabled cameras, zones and locations. Zones and
// locations replace the current ones; cameras are returned for the caller to start.
func (m *Manager) loadTopology(ctx context.Context) ([]store.Camera, error) {
	cameras, err := m.store.EnabledCameras(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cameras: %w", err)
	}
	zones, err := m.store.Zones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	locations, err := m.store.Locations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load locations: %w", err)
	}

	m.aggMu.Lock()
	defer m.aggMu.Unlock()

	for _, id := range m.zones.Keys() {
		m.zones.Delete(id)
	}
	for _, z := range zones {
		m.zones.Store(z.ID, &zoneEntry{zone: z})
	}
	for _, id := range m.locations.Keys() {
		m.locations.Delete(id)
	}
	for _, l := range locations {
		m.locations.Store(l.ID, &locationEntry{location: l})
	}

	metrics.ZoneCount.Reset()
	metrics.LocationCount.Reset()
	return cameras, nil
}

func (m *Manager) startCameras(ctx context.Context, cameras []store.Camera) {
	g, gctx := errgroup.WithContext(ctx)
	for _, cam := range cameras {
		g.Go(func() error {
			m.startCamera(gctx, cam)
			return nil
		})
	}
	_ = g.Wait()
}

// startCamera probes cam and starts its pipeline. A camera that already has
// a pipeline is left alone.
func (m *Manager) startCamera(ctx context.Context, cam store.Camera) {
	logger := m.logger.With("camera", cam.ID)

	if existing, ok := m.cameras.Load(cam.ID); ok && existing.pipeline != nil {
		return
	}

	// reason is what snapshots report later; message is pushed once now
	var reason, message string
	if cam.RTSPURL == "" {
		reason, message = MsgNoURL, MsgNoURL
		logger.Warn("Camera has no stream URL, skipping", "name", cam.Name)
	} else if err := m.probe(ctx, cam.RTSPURL); err != nil {
		addr, _ := HostPort(cam.RTSPURL)
		reason, message = MsgUnreachableStart, fmt.Sprintf(MsgUnreachableFmt, addr)
		logger.Warn("Camera is unreachable", "name", cam.Name, "address", addr, "error", err)
	}

	if reason != "" {
		m.cameras.Store(cam.ID, &cameraEntry{camera: cam, reason: reason})
		metrics.SetCameraStatus(cam.ID, int(pipeline.Error))
		m.publishCamera(events.CameraStatus{
			CameraID: cam.ID,
			Name:     cam.Name,
			Status:   pipeline.Error.String(),
			Roi:      roi.Polygon{},
			Message:  message,
		})
		return
	}

	poly, err := m.store.Roi(ctx, cam.ID)
	if err != nil {
		logger.Warn("Failed to load ROI, using full frame", "error", err)
		poly = nil
	}

	var p *pipeline.Pipeline
	p, err = pipeline.New(pipeline.Config{
		CameraID:   cam.ID,
		Name:       cam.Name,
		URL:        cam.RTSPURL,
		Source:     m.factory,
		Detector:   m.detector,
		Publisher:  m.publisher,
		RoiStore:   m.store,
		OnCount:    func(id int64, n int) { m.pipelineCount(p, id, n) },
		Settings:   m.Settings(),
		Roi:        poly,
		RetryDelay: m.retry,
	})
	if err != nil {
		logger.Error("Failed to create camera pipeline", "error", err)
		m.cameras.Store(cam.ID, &cameraEntry{camera: cam, reason: fmt.Sprintf(pipeline.MsgFailedToStartFmt, err)})
		return
	}

	entry := &cameraEntry{camera: cam, pipeline: p}
	if existing, loaded := m.cameras.LoadOrStore(cam.ID, entry); loaded {
		if existing.pipeline != nil {
			return
		}
		m.cameras.Store(cam.ID, entry)
	}

	p.Start(m.ctx)
	logger.Info("Started camera pipeline", "name", cam.Name)
}

func (m *Manager) publishCamera(s events.CameraStatus) {
	if err := m.publisher.PublishCameraStatus(s); err != nil {
		m.logger.Warn("Failed to publish camera status", "camera", s.CameraID, "error", err)
	}
}

// Reload re-reads cameras and topology. Pipelines for cameras that were
// disabled or whose stream changed are stopped; new cameras are started.
func (m *Manager) Reload(ctx context.Context) error {
	if err := m.Wait(ctx); err != nil {
		return err
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cameras, err := m.loadTopology(ctx)
	if err != nil {
		return err
	}

	wanted := lo.SliceToMap(cameras, func(c store.Camera) (int64, store.Camera) {
		return c.ID, c
	})

	var (
		stopped []*pipeline.Pipeline
		removed []int64
	)
	m.cameras.Range(func(id int64, e *cameraEntry) bool {
		cam, ok := wanted[id]
		if ok && cam.RTSPURL == e.camera.RTSPURL && cam.Name == e.camera.Name && e.pipeline != nil {
			return true
		}
		m.cameras.Delete(id)
		removed = append(removed, id)
		if e.pipeline != nil {
			e.pipeline.Stop()
			stopped = append(stopped, e.pipeline)
		}
		return true
	})

	// Old pipelines finish reporting before their series are dropped and the
	// same camera ids are started again
	if n := m.waitStopped(ctx, stopped); n > 0 {
		m.logger.Warn("Some camera pipelines did not stop before reload", "remaining", n)
	}
	for _, id := range removed {
		metrics.ForgetCamera(id)
	}

	m.startCameras(ctx, cameras)
	m.recomputeAll()

	m.logger.Info("Reloaded configuration", "cameras", len(cameras), "restarted", len(stopped))
	return nil
}

// Stop stops every pipeline and waits for them until ctx is done
func (m *Manager) Stop(ctx context.Context) {
	m.logger.Info("Stopping orchestrator")
	m.cancel()

	var pipelines []*pipeline.Pipeline
	m.cameras.Range(func(_ int64, e *cameraEntry) bool {
		if e.pipeline != nil {
			e.pipeline.Stop()
			pipelines = append(pipelines, e.pipeline)
		}
		return true
	})

	if n := m.waitStopped(ctx, pipelines); n > 0 {
		m.logger.Warn("Some camera pipelines did not stop in time", "remaining", n)
		return
	}
	m.logger.Info("Orchestrator stopped")
}

// waitStopped returns how many pipelines were still running when ctx ended
func (m *Manager) waitStopped(ctx context.Context, pipelines []*pipeline.Pipeline) int {
	for i, p := range pipelines {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return len(pipelines) - i
		}
	}
	return 0
}

// pipelineCount forwards a count from src unless the camera was removed or
// has been given a newer pipeline since
func (m *Manager) pipelineCount(src *pipeline.Pipeline, cameraID int64, count int) {
	e, ok := m.cameras.Load(cameraID)
	if !ok || e.pipeline != src {
		return
	}
	m.onCount(cameraID, count)
}

// onCount records a camera count and re-aggregates the groups that contain it
func (m *Manager) onCount(cameraID int64, count int) {
	if e, ok := m.cameras.Load(cameraID); ok {
		e.count.Store(int64(count))
	}
	m.aggregate(cameraID)
}

// aggregate re-sums every zone containing cameraID and every location
// containing one of those zones, then publishes their totals
func (m *Manager) aggregate(cameraID int64) {
	m.aggMu.Lock()
	var zoneUpdates, locationUpdates []events.CountStatus

	affected := make(map[int64]struct{})
	m.zones.Range(func(id int64, z *zoneEntry) bool {
		if !lo.Contains(z.zone.CameraIDs, cameraID) {
			return true
		}
		affected[id] = struct{}{}
		zoneUpdates = append(zoneUpdates, m.recomputeZone(z))
		return true
	})

	if len(affected) > 0 {
		m.locations.Range(func(_ int64, l *locationEntry) bool {
			hit := lo.ContainsBy(l.location.ZoneIDs, func(id int64) bool {
				_, ok := affected[id]
				return ok
			})
			if hit {
				locationUpdates = append(locationUpdates, m.recomputeLocation(l))
			}
			return true
		})
	}
	m.aggMu.Unlock()

	m.publishCounts(zoneUpdates, locationUpdates)
}

// recomputeAll re-sums every zone and location and publishes the results
func (m *Manager) recomputeAll() {
	m.aggMu.Lock()
	zoneUpdates := lo.Map(m.zones.Values(), func(z *zoneEntry, _ int) events.CountStatus {
		return m.recomputeZone(z)
	})
	locationUpdates := lo.Map(m.locations.Values(), func(l *locationEntry, _ int) events.CountStatus {
		return m.recomputeLocation(l)
	})
	m.aggMu.Unlock()

	m.publishCounts(zoneUpdates, locationUpdates)
}

// recomputeZone must be called with aggMu held
func (m *Manager) recomputeZone(z *zoneEntry) events.CountStatus {
	total := lo.SumBy(z.zone.CameraIDs, func(id int64) int64 {
		if e, ok := m.cameras.Load(id); ok {
			return e.count.Load()
		}
		return 0
	})
	z.total.Store(total)
	metrics.SetZoneCount(z.zone.ID, int(total))
	return events.CountStatus{ID: z.zone.ID, Name: z.zone.Name, TotalTrackedCount: int(total)}
}

// recomputeLocation must be called with aggMu held, after its zones
func (m *Manager) recomputeLocation(l *locationEntry) events.CountStatus {
	total := lo.SumBy(l.location.ZoneIDs, func(id int64) int64 {
		if z, ok := m.zones.Load(id); ok {
			return z.total.Load()
		}
		return 0
	})
	l.total.Store(total)
	metrics.SetLocationCount(l.location.ID, int(total))
	return events.CountStatus{ID: l.location.ID, Name: l.location.Name, TotalTrackedCount: int(total)}
}

func (m *Manager) publishCounts(zones, locations []events.CountStatus) {
	for _, z := range zones {
		if err := m.publisher.PublishZoneCount(z); err != nil {
			m.logger.Warn("Failed to publish zone count", "zone", z.ID, "error", err)
		}
	}
	for _, l := range locations {
		if err := m.publisher.PublishLocationCount(l); err != nil {
			m.logger.Warn("Failed to publish location count", "location", l.ID, "error", err)
		}
	}
}

func (e *cameraEntry) snapshot() events.CameraStatus {
	if e.pipeline != nil {
		return e.pipeline.Snapshot()
	}
	return events.CameraStatus{
		CameraID: e.camera.ID,
		Name:     e.camera.Name,
		Status:   pipeline.Error.String(),
		Roi:      roi.Polygon{},
		Message:  e.reason,
	}
}

// Camera returns the current status of one camera
func (m *Manager) Camera(id int64) (events.CameraStatus, error) {
	e, ok := m.cameras.Load(id)
	if !ok {
		return events.CameraStatus{}, fmt.Errorf("camera %d: %w", id, ErrCameraNotFound)
	}
	return e.snapshot(), nil
}

// Cameras returns the status of every configured camera ordered by id
func (m *Manager) Cameras() []events.CameraStatus {
	return lo.Map(m.cameras.Values(), func(e *cameraEntry, _ int) events.CameraStatus {
		return e.snapshot()
	})
}

// Zones returns every zone total ordered by id
func (m *Manager) Zones() []events.CountStatus {
	return lo.Map(m.zones.Values(), func(z *zoneEntry, _ int) events.CountStatus {
		return events.CountStatus{ID: z.zone.ID, Name: z.zone.Name, TotalTrackedCount: int(z.total.Load())}
	})
}

// Locations returns every location total ordered by id
func (m *Manager) Locations() []events.CountStatus {
	return lo.Map(m.locations.Values(), func(l *locationEntry, _ int) events.CountStatus {
		return events.CountStatus{ID: l.location.ID, Name: l.location.Name, TotalTrackedCount: int(l.total.Load())}
	})
}

// InitialState waits for Start to finish and returns every camera, zone and location
func (m *Manager) InitialState(ctx context.Context) (events.Snapshot, error) {
	if err := m.Wait(ctx); err != nil {
		return events.Snapshot{}, err
	}
	return events.Snapshot{
		Cameras:   m.Cameras(),
		Zones:     m.Zones(),
		Locations: m.Locations(),
	}, nil
}

// SetRoi updates a camera's polygon. Cameras without a running pipeline
// only get the polygon persisted, so it applies once they start.
func (m *Manager) SetRoi(ctx context.Context, id int64, poly roi.Polygon) error {
	e, ok := m.cameras.Load(id)
	if !ok {
		return fmt.Errorf("camera %d: %w", id, ErrCameraNotFound)
	}
	if e.pipeline != nil {
		return e.pipeline.SetRoi(ctx, poly)
	}
	if err := m.store.SaveRoi(ctx, id, poly.Clamp()); err != nil {
		return fmt.Errorf("failed to save roi: %w", err)
	}
	return nil
}

// Settings returns the settings new pipelines start with
func (m *Manager) Settings() pipeline.Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	s := m.settings
	s.Classes = append([]string(nil), s.Classes...)
	return s
}

// ApplySettings pushes new settings to every running pipeline and to pipelines started later
func (m *Manager) ApplySettings(s pipeline.Settings) {
	s = s.Normalize()
	m.settingsMu.Lock()
	m.settings = s
	m.settingsMu.Unlock()

	n := 0
	m.cameras.Range(func(_ int64, e *cameraEntry) bool {
		if e.pipeline != nil {
			e.pipeline.ApplySettings(s)
			n++
		}
		return true
	})
	m.logger.Info("Applied settings to camera pipelines", "pipelines", n)
}

// LocationBreakdown returns every location with its zones for notification payloads
func (m *Manager) LocationBreakdown() []notify.LocationCount {
	return lo.Map(m.locations.Values(), func(l *locationEntry, _ int) notify.LocationCount {
		zones := lo.FilterMap(l.location.ZoneIDs, func(id int64, _ int) (notify.ZoneCount, bool) {
			z, ok := m.zones.Load(id)
			if !ok {
				return notify.ZoneCount{}, false
			}
			return notify.ZoneCount{ZoneName: z.zone.Name, Total: int(z.total.Load())}, true
		})
		return notify.LocationCount{
			LocationName: l.location.Name,
			Total:        int(l.total.Load()),
			Zones:        zones,
		}
	})
}
