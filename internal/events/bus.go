package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus provides pub/sub messaging over an embedded NATS server
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   []*nats.Subscription
	subsMu sync.Mutex

	stopOnce sync.Once
}

// Config configures the bus
type Config struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server, -1 for a random port
	Port int
	// MaxPayload bounds one message. Camera status carries an encoded frame,
	// so this is raised well above the NATS default.
	MaxPayload int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       4222,
		MaxPayload: 8 * 1024 * 1024,
	}
}

// New starts an embedded NATS server and connects to it
func New(cfg Config) (*Bus, error) {
	logger := slog.Default().With("component", "eventbus")

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = server.RANDOM_PORT
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultConfig().MaxPayload
	}

	opts := &server.Options{
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: int32(cfg.MaxPayload),
		// Pending must hold at least one max-size message
		MaxPending: int64(cfg.MaxPayload) * 4,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("counter"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	logger.Info("Event bus started", "url", ns.ClientURL(), "max_payload", cfg.MaxPayload)

	return &Bus{
		server: ns,
		conn:   nc,
		logger: logger,
	}, nil
}

// ClientURL returns the NATS client URL
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Publish marshals data as JSON and publishes it to subject
func (b *Bus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishCameraStatus publishes a camera status update
func (b *Bus) PublishCameraStatus(status CameraStatus) error {
	return b.Publish(SubjectCameraStatus, status)
}

// PublishZoneCount publishes a zone total
func (b *Bus) PublishZoneCount(status CountStatus) error {
	return b.Publish(SubjectZoneStatus, status)
}

// PublishLocationCount publishes a location total
func (b *Bus) PublishLocationCount(status CountStatus) error {
	return b.Publish(SubjectLocationStatus, status)
}

// Subscribe subscribes to a subject. Wildcards are allowed.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Flush waits until every published message has been processed by the server
func (b *Bus) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.conn.FlushWithContext(ctx)
}

// Stop drains subscriptions and shuts down the server
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.subsMu.Lock()
		for _, sub := range b.subs {
			_ = sub.Unsubscribe()
		}
		b.subs = nil
		b.subsMu.Unlock()

		_ = b.conn.Drain()
		b.server.Shutdown()
		b.server.WaitForShutdown()

		b.logger.Info("Event bus stopped")
	})
}

// HealthCheck verifies the connection to the embedded server
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	return b.Flush(ctx)
}
