package provision

import (
	"time"

	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/scanner"
)

// Session is the single live connection owned by a Machine.
type Session struct {
	Device   scanner.DiscoveredDevice
	Handle   device.SessionHandle
	Services device.ServiceMap
	// Service is the full UUID of the matched provisioning service.
	Service string
	Serial  string

	sub device.Subscription
}

// Result is a snapshot of the current or last provisioning attempt.
type Result struct {
	Device     scanner.DiscoveredDevice
	Serial     string
	SSID       string
	State      State
	Err        error
	Warnings   []error
	Registered bool
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) clone() Result {
	r.Warnings = append([]error(nil), r.Warnings...)
	return r
}
