package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds the startup reachability check
const DefaultProbeTimeout = 2 * time.Second

var defaultPorts = map[string]int{
	"rtsp":  554,
	"rtspt": 554,
	"rtsps": 322,
	"http":  80,
	"https": 443,
}

// HostPort extracts the address a stream URL connects to. Missing ports
// default by scheme, 554 when the scheme is unknown.
func HostPort(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid stream URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("stream URL has no host")
	}

	port := u.Port()
	if port == "" {
		p, ok := defaultPorts[strings.ToLower(u.Scheme)]
		if !ok {
			p = 554
		}
		port = strconv.Itoa(p)
	}
	return net.JoinHostPort(host, port), nil
}

// Probe checks that the camera accepts TCP connections. Local file URLs are always reachable.
func Probe(ctx context.Context, rawURL string, timeout time.Duration) error {
	if strings.HasPrefix(strings.ToLower(rawURL), "file:") {
		return nil
	}
	addr, err := HostPort(rawURL)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("host unreachable at %s: %w", addr, err)
	}
	return conn.Close()
}
