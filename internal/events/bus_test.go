package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SpatialCount/internal/roi"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(Config{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	t.Cleanup(bus.Stop)
	return bus
}

func TestBus_PublishCameraStatus(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *nats.Msg, 1)
	if _, err := bus.Subscribe(SubjectCameraStatus, func(m *nats.Msg) { received <- m }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := CameraStatus{
		CameraID:          3,
		Name:              "front",
		Status:            "Normal",
		FrameDataURI:      "data:image/jpeg;base64,AAAA",
		TotalTrackedCount: 2,
		Roi:               roi.Polygon{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}},
	}
	if err := bus.PublishCameraStatus(want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		var got CameraStatus
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Payload mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for camera status")
	}
}

func TestBus_WildcardSubscribe(t *testing.T) {
	bus := newTestBus(t)

	subjects := make(chan string, 3)
	if _, err := bus.Subscribe(SubjectAll, func(m *nats.Msg) { subjects <- m.Subject }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = bus.PublishZoneCount(CountStatus{ID: 1, Name: "lobby", TotalTrackedCount: 4})
	_ = bus.PublishLocationCount(CountStatus{ID: 1, Name: "hq", TotalTrackedCount: 4})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-subjects:
			got[s] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out, received %v", got)
		}
	}
	if !got[SubjectZoneStatus] || !got[SubjectLocationStatus] {
		t.Errorf("Expected zone and location subjects, got %v", got)
	}
}

func TestBus_LargePayload(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan int, 1)
	if _, err := bus.Subscribe(SubjectCameraStatus, func(m *nats.Msg) { received <- len(m.Data) }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Larger than the 1MB NATS default
	frame := "data:image/jpeg;base64," + strings.Repeat("A", 2*1024*1024)
	if err := bus.PublishCameraStatus(CameraStatus{CameraID: 1, FrameDataURI: frame}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case n := <-received:
		if n < len(frame) {
			t.Errorf("Expected at least %d bytes, got %d", len(frame), n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for large payload")
	}
}

func TestBus_HealthCheck(t *testing.T) {
	bus := newTestBus(t)

	if err := bus.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if bus.ClientURL() == "" {
		t.Error("Expected client URL")
	}
}

func TestBus_StopIdempotent(t *testing.T) {
	bus, err := New(Config{Port: -1})
	if err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	bus.Stop()
	bus.Stop()
}
