package provision

import (
	"time"

	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/scanner"
)

// EventType names what an Event reports.
type EventType string

const (
	EventStateChanged EventType = "state"
	EventDevice       EventType = "device"
	EventNetworks     EventType = "networks"
	EventNotification EventType = "notification"
	EventWarning      EventType = "warning"
	EventError        EventType = "error"
)

// Event is published on the machine's event stream.
// Only the fields relevant to Type are set; State is always the state at publish time.
type Event struct {
	Type         EventType
	State        State
	Device       *scanner.DiscoveredDevice
	Networks     []codec.WiFiNetwork
	Notification *codec.Notification
	Err          error
	At           time.Time
}
