package api

import (
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/Spatial-NVR/SpatialCount/internal/store"
)

// ValidationError is one invalid request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds every invalid field of a request
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any field was invalid
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ActionRequest is the body for creating or updating a notification action
type ActionRequest struct {
	Name       string `json:"name"`
	IPAddress  string `json:"ipAddress"`
	Port       int    `json:"port"`
	IntervalMs int64  `json:"intervalMs"`
	Protocol   string `json:"protocol"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// Validate checks every field and reports all problems at once
func (r ActionRequest) Validate() ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(r.Name) == "" {
		errs.add("name", "is required")
	} else if len(r.Name) > 100 {
		errs.add("name", "must be at most 100 characters")
	}

	switch {
	case r.IPAddress == "":
		errs.add("ipAddress", "is required")
	case net.ParseIP(r.IPAddress) == nil && !validHostname(r.IPAddress):
		errs.add("ipAddress", "must be an IP address or hostname")
	}

	if r.Port < 1 || r.Port > 65535 {
		errs.add("port", "must be between 1 and 65535")
	}
	if r.IntervalMs < 100 {
		errs.add("intervalMs", "must be at least 100")
	}

	switch strings.ToLower(r.Protocol) {
	case store.ProtocolTCP, store.ProtocolUDP:
	default:
		errs.add("protocol", "must be tcp or udp")
	}
	return errs
}

// Action converts the request into a store record
func (r ActionRequest) Action() store.Action {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return store.Action{
		Name:       strings.TrimSpace(r.Name),
		IPAddress:  r.IPAddress,
		Port:       r.Port,
		IntervalMs: r.IntervalMs,
		Protocol:   strings.ToLower(r.Protocol),
		Enabled:    enabled,
	}
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
	}
	return true
}

// RoiRequest is the body of an ROI update. Coordinates are normalized to 0..1.
type RoiRequest struct {
	Polygon [][]float64 `json:"polygon"`
}

// Validate rejects malformed points. Fewer than three points is allowed and clears the ROI.
func (r RoiRequest) Validate() ValidationErrors {
	var errs ValidationErrors
	for i, pt := range r.Polygon {
		field := fmt.Sprintf("polygon[%d]", i)
		if len(pt) != 2 {
			errs.add(field, "must be an [x, y] pair")
			continue
		}
		for _, v := range pt {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				errs.add(field, "must contain finite numbers")
				break
			}
		}
	}
	return errs
}
