// Package notify pushes aggregated location and zone counts to external
// endpoints over TCP or UDP on per-rule timers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/SpatialCount/internal/metrics"
	"github.com/Spatial-NVR/SpatialCount/internal/store"
)

// DefaultSendTimeout bounds one TCP connect and write
const DefaultSendTimeout = 5 * time.Second

// RuleSource loads the enabled notification rules
type RuleSource interface {
	EnabledActions(ctx context.Context) ([]store.Action, error)
}

// Config configures a dispatcher
type Config struct {
	Rules       RuleSource
	Counts      CountSource
	SendTimeout time.Duration
}

// Dispatcher runs one timer per enabled rule
type Dispatcher struct {
	rules   RuleSource
	counts  CountSource
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   int
	stopped  bool
	stopOnce sync.Once
}

// New creates a dispatcher. Nothing is sent until Start.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Rules == nil {
		return nil, errors.New("notify: rule source is required")
	}
	if cfg.Counts == nil {
		return nil, errors.New("notify: count source is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		rules:   cfg.Rules,
		counts:  cfg.Counts,
		timeout: cfg.SendTimeout,
		logger:  slog.Default().With("component", "notify"),
	}, nil
}

// Start schedules every enabled rule. Timers run until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	d.parent = ctx
	d.mu.Unlock()

	if err := d.Reload(ctx); err != nil {
		return err
	}
	d.logger.Info("Notification dispatcher started")
	return nil
}

// Reload tears down every timer and rebuilds the schedule from the current rules
func (d *Dispatcher) Reload(ctx context.Context) error {
	actions, err := d.rules.EnabledActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load notification rules: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.parent == nil {
		return nil
	}

	d.teardown()

	runCtx, cancel := context.WithCancel(d.parent)
	d.cancel = cancel
	d.active = 0
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			d.logger.Warn("Skipping invalid notification rule", "action", a.ID, "name", a.Name, "error", err)
			continue
		}
		d.active++
		d.wg.Add(1)
		go d.run(runCtx, a)
		d.logger.Info("Scheduled notification", "action", a.ID, "name", a.Name, "interval", a.Interval())
	}

	d.logger.Info("Loaded notification rules", "scheduled", d.active)
	return nil
}

// teardown must be called with mu held
func (d *Dispatcher) teardown() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
}

// Active returns the number of scheduled rules
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Stop cancels every timer and waits for in-flight sends
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.stopped = true
		d.teardown()
		d.active = 0
		d.logger.Info("Notification dispatcher stopped")
	})
}

// run fires once immediately and then on every tick
func (d *Dispatcher) run(ctx context.Context, a store.Action) {
	defer d.wg.Done()

	ticker := time.NewTicker(a.Interval())
	defer ticker.Stop()

	for {
		d.fire(ctx, a)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) fire(ctx context.Context, a store.Action) {
	sendID := uuid.NewString()
	logger := d.logger.With("action", a.ID, "send_id", sendID)

	payload, err := BuildPayload(d.counts.LocationBreakdown())
	if err != nil {
		logger.Error("Failed to build notification payload", "error", err)
		return
	}

	addr := net.JoinHostPort(a.IPAddress, strconv.Itoa(a.Port))
	err = Send(ctx, a.Protocol, addr, payload, d.timeout)
	metrics.RecordNotification(a.Protocol, err)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to send notification", "name", a.Name, "address", addr, "error", err)
		}
		return
	}
	logger.Debug("Sent notification", "name", a.Name, "address", addr, "protocol", a.Protocol, "bytes", len(payload))
}

// Send writes payload to addr. TCP opens a new connection for every send;
// UDP sends a single datagram without waiting for any reply.
func Send(ctx context.Context, protocol, addr string, payload []byte, timeout time.Duration) error {
	network := strings.ToLower(protocol)
	if network != store.ProtocolTCP && network != store.ProtocolUDP {
		return fmt.Errorf("unsupported protocol %q", protocol)
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}
