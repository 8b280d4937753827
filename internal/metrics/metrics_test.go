package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFrameCounters(t *testing.T) {
	before := testutil.ToFloat64(FramesDropped.WithLabelValues("101"))
	IncFramesDropped(101)
	IncFramesDropped(101)
	if got := testutil.ToFloat64(FramesDropped.WithLabelValues("101")) - before; got != 2 {
		t.Errorf("Expected 2 drops, got %v", got)
	}

	before = testutil.ToFloat64(FramesProcessed.WithLabelValues("101"))
	IncFramesProcessed(101)
	if got := testutil.ToFloat64(FramesProcessed.WithLabelValues("101")) - before; got != 1 {
		t.Errorf("Expected 1 processed frame, got %v", got)
	}
}

func TestDetectorRun_EmptyTier(t *testing.T) {
	IncDetectorRun(102, "")
	if got := testutil.ToFloat64(DetectorRuns.WithLabelValues("102", "unknown")); got < 1 {
		t.Errorf("Expected unknown tier to be recorded, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	SetCameraStatus(103, 2)
	SetCameraCount(103, 4)
	SetZoneCount(7, 9)
	SetLocationCount(8, 11)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"camera status", testutil.ToFloat64(CameraStatus.WithLabelValues("103")), 2},
		{"camera count", testutil.ToFloat64(CameraCount.WithLabelValues("103")), 4},
		{"zone count", testutil.ToFloat64(ZoneCount.WithLabelValues("7")), 9},
		{"location count", testutil.ToFloat64(LocationCount.WithLabelValues("8")), 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}

	ForgetCamera(103)
	if n := testutil.CollectAndCount(CameraCount); n != 0 {
		t.Errorf("Expected camera count series to be removed, %d remain", n)
	}
}

func TestRecordNotification(t *testing.T) {
	ok := testutil.ToFloat64(NotificationsSent.WithLabelValues("udp", "success"))
	failed := testutil.ToFloat64(NotificationsSent.WithLabelValues("udp", "error"))

	RecordNotification("udp", nil)
	RecordNotification("udp", errors.New("refused"))

	if got := testutil.ToFloat64(NotificationsSent.WithLabelValues("udp", "success")) - ok; got != 1 {
		t.Errorf("Expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(NotificationsSent.WithLabelValues("udp", "error")) - failed; got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}

func TestPromhttpExposure(t *testing.T) {
	IncFramesProcessed(104)

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "counter_frames_processed_total") {
		t.Error("Expected processed frame counter in exposition")
	}
}
