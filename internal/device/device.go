package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected         ConnectionState = "not_connected"
	AlreadyConnected     ConnectionState = "already_connected"
	TransportUnavailable ConnectionState = "transport_unavailable"
	LinkLost             ConnectionState = "link_lost"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected         = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected     = &ConnectionError{State: AlreadyConnected}
	ErrTransportUnavailable = &ConnectionError{State: TransportUnavailable, Msg: "bluetooth is turned off or unavailable"}
	ErrLinkLost             = &ConnectionError{State: LinkLost, Msg: "peripheral dropped the connection"}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
	ErrInvalidArg  = errors.New("invalid argument")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is the subset of an advertising report the provisioner consumes.
type Advertisement interface {
	LocalName() string
	RSSI() int
	Addr() string
	Connectable() bool
	Services() []string
}

// AdvertisementFilter decides whether an advertisement reaches the scan handler.
type AdvertisementFilter func(Advertisement) bool

// WriteMode selects the ATT write procedure.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	switch m {
	case WithResponse:
		return "with-response"
	case WithoutResponse:
		return "without-response"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// SessionHandle is an opaque reference to an established link.
// Handles are only meaningful to the Transport that created them.
type SessionHandle interface {
	Address() string
	// Done is closed once the link is gone, whether the peripheral dropped it
	// or Disconnect was called. A nil channel means loss is not reported.
	Done() <-chan struct{}
}

// ServiceMap maps normalized service UUIDs to the normalized UUIDs of their characteristics.
type ServiceMap map[string][]string

// Has reports whether the service (and, when given, the characteristic) was discovered.
// UUIDs are normalized before lookup.
func (m ServiceMap) Has(service string, char ...string) bool {
	chars, ok := m[NormalizeUUID(service)]
	if !ok {
		return false
	}
	for _, want := range char {
		found := false
		want = NormalizeUUID(want)
		for _, c := range chars {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is an armed notification listener.
// After Cancel returns, the value callback is never invoked again.
type Subscription interface {
	Cancel() error
}

// Transport is the BLE central-role API the provisioning engine drives.
//
// All operations are I/O bound and may fail on radio or link loss at any time.
// Disconnect must be idempotent and safe on nil, closed or foreign handles.
type Transport interface {
	// Ready reports ErrTransportUnavailable when the radio cannot be used.
	Ready(ctx context.Context) error

	// Scan blocks until ctx is done. Only advertisements accepted by filter reach onDevice.
	Scan(ctx context.Context, filter AdvertisementFilter, onDevice func(Advertisement)) error

	Connect(ctx context.Context, address string, timeout time.Duration) (SessionHandle, error)
	DiscoverServices(ctx context.Context, h SessionHandle) (ServiceMap, error)
	ReadCharacteristic(ctx context.Context, h SessionHandle, service, char string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, h SessionHandle, service, char string, data []byte, mode WriteMode) error

	// Subscribe returns once the peripheral acknowledged the notification enable.
	Subscribe(ctx context.Context, h SessionHandle, service, char string, onValue func([]byte)) (Subscription, error)

	Disconnect(h SessionHandle)
}
