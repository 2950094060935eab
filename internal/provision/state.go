package provision

// State is a provisioning state.
type State string

const (
	StateIdle                 State = "idle"
	StateScanning             State = "scanning"
	StateConnecting           State = "connecting"
	StateDiscovering          State = "discovering"
	StateListingNetworks      State = "listing-networks"
	StateAwaitingCredentials  State = "awaiting-credentials"
	StateConfiguring          State = "configuring"
	StateAwaitingConfirmation State = "awaiting-confirmation"
	StateFinalizing           State = "finalizing"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// IsTerminal reports whether s ends an attempt. Only Reset leaves a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// busy states have a transport operation in flight.
func (s State) busy() bool {
	switch s {
	case StateConnecting, StateDiscovering, StateListingNetworks, StateConfiguring, StateFinalizing:
		return true
	}
	return false
}

func (s State) in(states ...State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
