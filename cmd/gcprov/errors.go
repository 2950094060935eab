package main

import (
	"errors"

	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/internal/provision"
	"github.com/srg/gcprov/internal/registry"
)

// Command-level errors
var (
	// ErrNoDevices indicates the scan finished without surfacing a provisionable device.
	ErrNoDevices = errors.New("no provisionable devices found")
	// ErrNoSelection indicates the operator did not pick a device or network.
	ErrNoSelection = errors.New("nothing selected")
)

// FormatUserError renders err as a one-line message for the terminal.
// Known failure kinds get an actionable hint; everything else prints as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrTransportUnavailable), errors.Is(err, provision.ErrTransportUnavailable):
		return "Bluetooth is turned off or unavailable. Enable it and retry."
	case errors.Is(err, provision.ErrConfirmationTimeout):
		return "The device did not confirm the WiFi connection in time. Check the password and signal, " +
			"or rerun with --force-on-timeout if the device is known to be online."
	case errors.Is(err, provision.ErrDiscovery) && errors.As(err, &nf):
		return "Not a provisionable device: " + nf.Error()
	case errors.Is(err, provision.ErrDiscovery):
		return "Not a provisionable device: " + err.Error()
	case errors.Is(err, provision.ErrConnect) && errors.Is(err, device.ErrLinkLost):
		return "The device dropped the Bluetooth connection. Keep it powered and in range, then retry."
	case errors.Is(err, provision.ErrConnect):
		return "Could not connect to the device. Move closer and make sure it is in pairing mode. (" + err.Error() + ")"
	case errors.Is(err, provision.ErrWrite):
		return "Could not send WiFi credentials to the device. (" + err.Error() + ")"
	case errors.Is(err, provision.ErrCancelled):
		return "Provisioning cancelled."
	case errors.Is(err, registry.ErrUnexpectedStatus):
		return "Registry rejected the request: " + err.Error()
	}
	return err.Error()
}
