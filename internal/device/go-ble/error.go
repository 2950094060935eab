package goble

import (
	"fmt"

	"github.com/srg/gcprov/internal/device"
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "can't init hci"),
		device.ContainsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	default:
		return err
	}
}
