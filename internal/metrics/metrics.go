// Package metrics exposes Prometheus collectors for the counting pipeline
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_frames_processed_total",
		Help: "Frames taken off the queue and processed",
	}, []string{"camera"})

	// FramesDropped counts frames discarded because the single-slot queue was full or closed
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_frames_dropped_total",
		Help: "Frames dropped by queue backpressure",
	}, []string{"camera"})

	DetectorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_detector_runs_total",
		Help: "Detector invocations by processing tier",
	}, []string{"camera", "tier"})

	DetectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_detector_errors_total",
		Help: "Detector invocations that returned an error",
	}, []string{"camera"})

	CameraStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "counter_camera_status",
		Help: "Camera pipeline status (0=inactive 1=connecting 2=normal 3=retrying 4=error)",
	}, []string{"camera"})

	CameraCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "counter_camera_count",
		Help: "Objects currently counted per camera",
	}, []string{"camera"})

	ZoneCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "counter_zone_count",
		Help: "Objects currently counted per zone",
	}, []string{"zone"})

	LocationCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "counter_location_count",
		Help: "Objects currently counted per location",
	}, []string{"location"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_notifications_total",
		Help: "Notification sends by protocol and result",
	}, []string{"protocol", "result"})
)

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// IncFramesProcessed records one processed frame
func IncFramesProcessed(cameraID int64) {
	FramesProcessed.WithLabelValues(id(cameraID)).Inc()
}

// IncFramesDropped records one dropped frame
func IncFramesDropped(cameraID int64) {
	FramesDropped.WithLabelValues(id(cameraID)).Inc()
}

// IncDetectorRun records a detector invocation in the given tier
func IncDetectorRun(cameraID int64, tier string) {
	if tier == "" {
		tier = "unknown"
	}
	DetectorRuns.WithLabelValues(id(cameraID), tier).Inc()
}

// IncDetectorError records a failed detector invocation
func IncDetectorError(cameraID int64) {
	DetectorErrors.WithLabelValues(id(cameraID)).Inc()
}

// SetCameraStatus records the numeric status of a camera pipeline
func SetCameraStatus(cameraID int64, status int) {
	CameraStatus.WithLabelValues(id(cameraID)).Set(float64(status))
}

// SetCameraCount records the current count for a camera
func SetCameraCount(cameraID int64, count int) {
	CameraCount.WithLabelValues(id(cameraID)).Set(float64(count))
}

// SetZoneCount records the aggregated count for a zone
func SetZoneCount(zoneID int64, count int) {
	ZoneCount.WithLabelValues(id(zoneID)).Set(float64(count))
}

// SetLocationCount records the aggregated count for a location
func SetLocationCount(locationID int64, count int) {
	LocationCount.WithLabelValues(id(locationID)).Set(float64(count))
}

// ForgetCamera removes per-camera series once its pipeline is gone
func ForgetCamera(cameraID int64) {
	l := id(cameraID)
	CameraStatus.DeleteLabelValues(l)
	CameraCount.DeleteLabelValues(l)
}

// RecordNotification records one notification send
func RecordNotification(protocol string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	NotificationsSent.WithLabelValues(protocol, result).Inc()
}
