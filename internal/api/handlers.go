package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	"github.com/Spatial-NVR/SpatialCount/internal/events"
	"github.com/Spatial-NVR/SpatialCount/internal/logging"
	"github.com/Spatial-NVR/SpatialCount/internal/orchestrator"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
	"github.com/Spatial-NVR/SpatialCount/internal/store"
)

// Counter is the orchestrator surface the handlers read from and control
type Counter interface {
	Controller
	Ready() <-chan struct{}
	Wait(ctx context.Context) error
	Camera(id int64) (events.CameraStatus, error)
	Cameras() []events.CameraStatus
	Zones() []events.CountStatus
	Locations() []events.CountStatus
	Reload(ctx context.Context) error
}

// ActionStore persists notification actions
type ActionStore interface {
	Actions(ctx context.Context) ([]store.Action, error)
	Action(ctx context.Context, id int64) (*store.Action, error)
	CreateAction(ctx context.Context, a *store.Action) error
	UpdateAction(ctx context.Context, a *store.Action) error
	DeleteAction(ctx context.Context, id int64) error
}

// Reloader rebuilds a schedule from current configuration
type Reloader interface {
	Reload(ctx context.Context) error
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// CameraCount is one camera in the counts listing
type CameraCount struct {
	CameraID          int64  `json:"cameraId"`
	CameraName        string `json:"cameraName"`
	TotalTrackedCount int    `json:"totalTrackedCount"`
	Status            string `json:"status"`
}

// GroupCount is one zone or location in the counts listing
type GroupCount struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Handler serves the REST API
type Handler struct {
	counter    Counter
	actions    ActionStore
	dispatcher Reloader
	logs       *logging.RingBuffer
	checks     map[string]HealthCheck
	started    time.Time
	logger     *slog.Logger
}

// HandlerConfig holds the handler dependencies. Logs and Checks are optional.
type HandlerConfig struct {
	Counter    Counter
	Actions    ActionStore
	Dispatcher Reloader
	Logs       *logging.RingBuffer
	Checks     map[string]HealthCheck
}

// NewHandler creates the REST handler
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Counter == nil {
		return nil, errors.New("api: counter is required")
	}
	if cfg.Actions == nil {
		return nil, errors.New("api: action store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("api: dispatcher is required")
	}
	return &Handler{
		counter:    cfg.Counter,
		actions:    cfg.Actions,
		dispatcher: cfg.Dispatcher,
		logs:       cfg.Logs,
		checks:     cfg.Checks,
		started:    time.Now(),
		logger:     slog.Default().With("component", "api"),
	}, nil
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// Health reports every dependency check and uptime
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	select {
	case <-h.counter.Ready():
	default:
		if status == "healthy" {
			status = "starting"
		}
	}

	code := http.StatusOK
	if status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ListCameras returns the live status of every camera
func (h *Handler) ListCameras(w http.ResponseWriter, r *http.Request) {
	cameras := h.counter.Cameras()
	JSONWithMeta(w, http.StatusOK, cameras, &Meta{
		Total:     len(cameras),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// GetCamera returns one camera's live status
func (h *Handler) GetCamera(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	cam, err := h.counter.Camera(id)
	if err != nil {
		NotFound(w, "Camera not found")
		return
	}
	OK(w, cam)
}

// GetRoi returns a camera's polygon
func (h *Handler) GetRoi(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	cam, err := h.counter.Camera(id)
	if err != nil {
		NotFound(w, "Camera not found")
		return
	}
	poly := cam.Roi
	if poly == nil {
		poly = roi.Polygon{}
	}
	OK(w, map[string]any{"cameraId": id, "polygon": poly})
}

// SetRoi replaces a camera's polygon
func (h *Handler) SetRoi(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	var req RoiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	if errs := req.Validate(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}
	poly, err := roi.ParsePolygon(req.Polygon)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	if err := h.counter.SetRoi(r.Context(), id, poly); err != nil {
		if errors.Is(err, orchestrator.ErrCameraNotFound) {
			NotFound(w, "Camera not found")
			return
		}
		h.logger.Error("Failed to set ROI", "camera", id, "error", err)
		InternalError(w, "Failed to save ROI")
		return
	}
	OK(w, RoiAck{CameraID: id, Message: RoiAckMessage})
}

// waitReady holds count requests until the orchestrator has started
func (h *Handler) waitReady(w http.ResponseWriter, r *http.Request) bool {
	if err := h.counter.Wait(r.Context()); err != nil {
		ServiceUnavailable(w, "Counting service is not ready")
		return false
	}
	return true
}

// CameraCounts lists every camera's count
func (h *Handler) CameraCounts(w http.ResponseWriter, r *http.Request) {
	if !h.waitReady(w, r) {
		return
	}
	OK(w, lo.Map(h.counter.Cameras(), func(c events.CameraStatus, _ int) CameraCount {
		return CameraCount{
			CameraID:          c.CameraID,
			CameraName:        c.Name,
			TotalTrackedCount: c.TotalTrackedCount,
			Status:            c.Status,
		}
	}))
}

func groupCounts(in []events.CountStatus) []GroupCount {
	return lo.Map(in, func(c events.CountStatus, _ int) GroupCount {
		return GroupCount{ID: c.ID, Name: c.Name, Count: c.TotalTrackedCount}
	})
}

// ZoneCounts lists every zone total
func (h *Handler) ZoneCounts(w http.ResponseWriter, r *http.Request) {
	if !h.waitReady(w, r) {
		return
	}
	OK(w, groupCounts(h.counter.Zones()))
}

// LocationCounts lists every location total
func (h *Handler) LocationCounts(w http.ResponseWriter, r *http.Request) {
	if !h.waitReady(w, r) {
		return
	}
	OK(w, groupCounts(h.counter.Locations()))
}

// Snapshot returns the same state a WebSocket client gets on request_initial_state
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.counter.InitialState(r.Context())
	if err != nil {
		ServiceUnavailable(w, "Counting service is not ready")
		return
	}
	OK(w, snap)
}

// ReloadSystem re-reads cameras and topology from the store
func (h *Handler) ReloadSystem(w http.ResponseWriter, r *http.Request) {
	if err := h.counter.Reload(r.Context()); err != nil {
		h.logger.Error("Failed to reload cameras", "error", err)
		InternalError(w, "Failed to reload configuration")
		return
	}
	OK(w, map[string]string{"message": "Configuration reloaded"})
}

// ListActions returns every notification action
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.actions.Actions(r.Context())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	JSONWithMeta(w, http.StatusOK, actions, &Meta{Total: len(actions)})
}

// GetAction returns one notification action
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	action, err := h.actions.Action(r.Context(), id)
	if err != nil {
		h.actionError(w, err)
		return
	}
	OK(w, action)
}

// CreateAction adds a notification action and reschedules the dispatcher
func (h *Handler) CreateAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	if errs := req.Validate(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	action := req.Action()
	if err := h.actions.CreateAction(r.Context(), &action); err != nil {
		h.actionError(w, err)
		return
	}
	h.reloadDispatcher(r.Context())
	Created(w, action)
}

// UpdateAction replaces a notification action and reschedules the dispatcher
func (h *Handler) UpdateAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	if errs := req.Validate(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	action := req.Action()
	action.ID = id
	if err := h.actions.UpdateAction(r.Context(), &action); err != nil {
		h.actionError(w, err)
		return
	}
	h.reloadDispatcher(r.Context())
	OK(w, action)
}

// DeleteAction removes a notification action and reschedules the dispatcher
func (h *Handler) DeleteAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if err := h.actions.DeleteAction(r.Context(), id); err != nil {
		h.actionError(w, err)
		return
	}
	h.reloadDispatcher(r.Context())
	NoContent(w)
}

func (h *Handler) actionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		NotFound(w, "Action not found")
	case errors.Is(err, store.ErrInvalidAction):
		BadRequest(w, err.Error())
	default:
		h.logger.Error("Action store failed", "error", err)
		InternalError(w, "Failed to save action")
	}
}

// reloadDispatcher logs failures; the change is already persisted and applies on the next reload
func (h *Handler) reloadDispatcher(ctx context.Context) {
	if err := h.dispatcher.Reload(ctx); err != nil {
		h.logger.Error("Failed to reload notification schedule", "error", err)
	}
}

func logFilter(r *http.Request) logging.Filter {
	q := r.URL.Query()
	f := logging.Filter{
		Component: q.Get("component"),
		Camera:    q.Get("camera"),
		MinLevel:  slog.LevelDebug,
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logging.ParseLevel(lvl)
	}
	return f
}

// Logs returns the most recent captured log entries
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		ServiceUnavailable(w, "Log capture is disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := h.logs.Recent(limit, logFilter(r))
	JSONWithMeta(w, http.StatusOK, entries, &Meta{Total: len(entries), Limit: limit})
}

// LogStream sends new log entries as Server-Sent Events
func (h *Handler) LogStream(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		ServiceUnavailable(w, "Log capture is disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	f := logFilter(r)
	ch := h.logs.Subscribe()
	defer h.logs.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if !f.Match(entry) {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
