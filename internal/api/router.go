package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig configures the HTTP router
type RouterConfig struct {
	CORSOrigins []string
	// WriteRateLimit is the number of write requests allowed per client per minute, 0 disables limiting
	WriteRateLimit int
	RequestTimeout time.Duration
}

func rateLimit(limit int) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Minute.Seconds())))
			Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
		}),
	)
}

// NewRouter mounts every route. Streaming routes skip the request timeout.
func NewRouter(h *Handler, hub *Hub, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Link", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/ws", hub.HandleWebSocket)
	r.Get("/api/logs/stream", h.LogStream)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Route("/api", func(r chi.Router) {
			r.Get("/health", h.Health)
			r.Get("/snapshot", h.Snapshot)
			r.Get("/logs", h.Logs)

			r.Route("/cameras", func(r chi.Router) {
				r.Get("/", h.ListCameras)
				r.Get("/{id}", h.GetCamera)
				r.Get("/{id}/roi", h.GetRoi)
				r.With(writeLimit(cfg.WriteRateLimit)...).Put("/{id}/roi", h.SetRoi)
			})

			r.Route("/counts", func(r chi.Router) {
				r.Get("/cameras", h.CameraCounts)
				r.Get("/zones", h.ZoneCounts)
				r.Get("/locations", h.LocationCounts)
			})

			r.Route("/actions", func(r chi.Router) {
				r.Get("/", h.ListActions)
				r.Get("/{id}", h.GetAction)
				r.Group(func(r chi.Router) {
					r.Use(writeLimit(cfg.WriteRateLimit)...)
					r.Post("/", h.CreateAction)
					r.Put("/{id}", h.UpdateAction)
					r.Delete("/{id}", h.DeleteAction)
				})
			})

			r.With(writeLimit(cfg.WriteRateLimit)...).Post("/system/reload", h.ReloadSystem)
		})
	})

	return r
}

func writeLimit(limit int) []func(http.Handler) http.Handler {
	if limit <= 0 {
		return nil
	}
	return []func(http.Handler) http.Handler{rateLimit(limit)}
}
