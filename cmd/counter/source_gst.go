//go:build !opencv

package main

import (
	"log/slog"
	"strings"

	"github.com/Spatial-NVR/SpatialCount/internal/config"
	"github.com/Spatial-NVR/SpatialCount/internal/stream"
	"github.com/Spatial-NVR/SpatialCount/internal/stream/gstreamer"
)

func newSourceFactory(cfg config.StreamConfig) stream.Factory {
	if strings.EqualFold(cfg.Backend, "opencv") {
		slog.Warn("The opencv stream backend needs the opencv build tag, using gstreamer")
	}
	return gstreamer.Factory(gstreamer.Config{
		OpenTimeout: cfg.OpenTimeout,
		StopTimeout: cfg.StopTimeout,
	})
}
