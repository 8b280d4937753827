//go:build opencv

package main

import (
	"log/slog"
	"strings"

	"github.com/Spatial-NVR/SpatialCount/internal/config"
	"github.com/Spatial-NVR/SpatialCount/internal/stream"
	"github.com/Spatial-NVR/SpatialCount/internal/stream/gstreamer"
	"github.com/Spatial-NVR/SpatialCount/internal/stream/opencv"
)

func newSourceFactory(cfg config.StreamConfig) stream.Factory {
	if strings.EqualFold(cfg.Backend, "gstreamer") {
		return gstreamer.Factory(gstreamer.Config{
			OpenTimeout: cfg.OpenTimeout,
			StopTimeout: cfg.StopTimeout,
		})
	}
	slog.Info("Using opencv stream backend")
	return opencv.Factory(opencv.Config{
		OpenTimeout: cfg.OpenTimeout,
		StopTimeout: cfg.StopTimeout,
	})
}
