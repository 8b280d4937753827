package pipeline

import "fmt"

// Status is the connection state of a camera pipeline
type Status int

const (
	Inactive Status = iota
	Connecting
	Normal
	Retrying
	Error
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Connecting:
		return "Connecting"
	case Normal:
		return "Normal"
	case Retrying:
		return "Retrying"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tier is the per-frame processing mode, which decides how often the detector runs
type Tier int

const (
	// Active runs the detector every Nth frame
	Active Tier = iota
	// IdleScan runs the detector at most once per idle interval
	IdleScan
)

func (t Tier) String() string {
	switch t {
	case Active:
		return "active"
	case IdleScan:
		return "idle_scan"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}
