package api

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SpatialCount/internal/events"
)

// Subscriber delivers bus messages
type Subscriber interface {
	Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error)
}

var subjectTypes = map[string]MessageType{
	events.SubjectCameraStatus:   MessageTypeCameraStatus,
	events.SubjectZoneStatus:     MessageTypeZoneStatus,
	events.SubjectLocationStatus: MessageTypeLocationStatus,
}

// Bridge forwards every counter event from the bus to the WebSocket clients.
// The returned subscription ends forwarding when unsubscribed.
func Bridge(bus Subscriber, hub *Hub) (*nats.Subscription, error) {
	logger := slog.Default().With("component", "ws-bridge")

	sub, err := bus.Subscribe(events.SubjectAll, func(msg *nats.Msg) {
		t, ok := subjectTypes[msg.Subject]
		if !ok {
			logger.Debug("Ignoring event", "subject", msg.Subject)
			return
		}
		hub.BroadcastRaw(t, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", events.SubjectAll, err)
	}
	return sub, nil
}
