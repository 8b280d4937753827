package notify

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/Spatial-NVR/SpatialCount/internal/store"
)

type staticRules struct {
	mu      sync.Mutex
	actions []store.Action
}

func (r *staticRules) EnabledActions(context.Context) ([]store.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Action(nil), r.actions...), nil
}

func (r *staticRules) set(actions ...store.Action) {
	r.mu.Lock()
	r.actions = actions
	r.mu.Unlock()
}

type countingSource struct {
	calls  atomic.Int32
	counts []LocationCount
}

func (s *countingSource) LocationBreakdown() []LocationCount {
	s.calls.Add(1)
	return s.counts
}

var sampleCounts = []LocationCount{
	{LocationName: "building", Total: 7, Zones: []ZoneCount{
		{ZoneName: "entrance", Total: 2},
		{ZoneName: "inside", Total: 5},
	}},
}

func hostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

func newTestDispatcher(t *testing.T, rules RuleSource, counts CountSource) *Dispatcher {
	t.Helper()
	d, err := New(Config{Rules: rules, Counts: counts, SendTimeout: time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func decode(t *testing.T, data []byte) []LocationCount {
	t.Helper()
	var got []LocationCount
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Payload is not a JSON array: %v (%s)", err, data)
	}
	return got
}

func TestDispatcher_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			conn.Close()
			received <- data
		}
	}()

	host, port := hostPort(t, ln.Addr())
	rules := &staticRules{}
	rules.set(store.Action{ID: 1, Name: "plc", IPAddress: host, Port: port, IntervalMs: 100, Protocol: store.ProtocolTCP, Enabled: true})

	d := newTestDispatcher(t, rules, &countingSource{counts: sampleCounts})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One send fires immediately, the next on the first tick, each on a new connection
	for i := 0; i < 2; i++ {
		select {
		case data := <-received:
			if diff := cmp.Diff(sampleCounts, decode(t, data)); diff != "" {
				t.Errorf("Payload mismatch (-want +got):\n%s", diff)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for send %d", i+1)
		}
	}
}

func TestDispatcher_UDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()

	host, port := hostPort(t, pc.LocalAddr())
	rules := &staticRules{}
	rules.set(store.Action{ID: 2, Name: "sign", IPAddress: host, Port: port, IntervalMs: 1000, Protocol: store.ProtocolUDP, Enabled: true})

	d := newTestDispatcher(t, rules, &countingSource{counts: sampleCounts})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	buf := make([]byte, 64*1024)
	_ = pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("No datagram received: %v", err)
	}
	if diff := cmp.Diff(sampleCounts, decode(t, buf[:n])); diff != "" {
		t.Errorf("Payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcher_FailureKeepsSchedule(t *testing.T) {
	// Grab a free port and close it so connections are refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	host, port := hostPort(t, ln.Addr())
	ln.Close()

	rules := &staticRules{}
	rules.set(store.Action{ID: 3, Name: "down", IPAddress: host, Port: port, IntervalMs: 100, Protocol: store.ProtocolTCP, Enabled: true})
	src := &countingSource{counts: sampleCounts}

	d := newTestDispatcher(t, rules, src)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for src.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := src.calls.Load(); got < 3 {
		t.Errorf("Expected the schedule to keep firing after failures, got %d fires", got)
	}
}

func TestDispatcher_ReloadRebuildsSchedule(t *testing.T) {
	rules := &staticRules{}
	rules.set(
		store.Action{ID: 1, Name: "a", IPAddress: "127.0.0.1", Port: 9, IntervalMs: 60000, Protocol: store.ProtocolUDP, Enabled: true},
		store.Action{ID: 2, Name: "bad", IPAddress: "127.0.0.1", Port: 0, IntervalMs: 60000, Protocol: store.ProtocolUDP, Enabled: true},
	)

	d := newTestDispatcher(t, rules, &countingSource{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := d.Active(); got != 1 {
		t.Errorf("Expected invalid rule to be skipped, got %d active", got)
	}

	rules.set(
		store.Action{ID: 1, Name: "a", IPAddress: "127.0.0.1", Port: 9, IntervalMs: 60000, Protocol: store.ProtocolUDP, Enabled: true},
		store.Action{ID: 3, Name: "b", IPAddress: "127.0.0.1", Port: 9, IntervalMs: 60000, Protocol: store.ProtocolUDP, Enabled: true},
		store.Action{ID: 4, Name: "c", IPAddress: "127.0.0.1", Port: 9, IntervalMs: 60000, Protocol: store.ProtocolUDP, Enabled: true},
	)
	if err := d.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := d.Active(); got != 3 {
		t.Errorf("Expected 3 active rules after reload, got %d", got)
	}
}

func TestDispatcher_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	rules := &staticRules{}
	rules.set(store.Action{ID: 1, Name: "a", IPAddress: "127.0.0.1", Port: 9, IntervalMs: 100, Protocol: store.ProtocolUDP, Enabled: true})

	d, err := New(Config{Rules: rules, Counts: &countingSource{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d.Stop()
	d.Stop()

	if err := d.Reload(context.Background()); err != nil {
		t.Fatalf("Reload after Stop failed: %v", err)
	}
	if d.Active() != 0 {
		t.Error("Reload after Stop must not schedule anything")
	}
}

func TestSend_UnsupportedProtocol(t *testing.T) {
	if err := Send(context.Background(), "http", "127.0.0.1:80", nil, time.Second); err == nil {
		t.Error("Expected error for unsupported protocol")
	}
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name   string
		counts []LocationCount
		want   string
	}{
		{"nil", nil, `[]`},
		{"no zones", []LocationCount{{LocationName: "lobby", Total: 0}}, `[{"locationName":"lobby","total":0,"zones":[]}]`},
		{
			"nested",
			[]LocationCount{{LocationName: "hq", Total: 3, Zones: []ZoneCount{{ZoneName: "door", Total: 3}}}},
			`[{"locationName":"hq","total":3,"zones":[{"zoneName":"door","total":3}]}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildPayload(tt.counts)
			if err != nil {
				t.Fatalf("BuildPayload failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("BuildPayload = %s, want %s", got, tt.want)
			}
		})
	}
}
