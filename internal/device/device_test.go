package device_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/gcprov/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNotFoundError(t *testing.T) {
	tests := []struct {
		name     string
		err      *device.NotFoundError
		expected string
	}{
		{
			name:     "resource only",
			err:      &device.NotFoundError{Resource: "service"},
			expected: "service not found",
		},
		{
			name:     "single UUID",
			err:      &device.NotFoundError{Resource: "service", UUIDs: []string{"12ce"}},
			expected: `service "12ce" not found`,
		},
		{
			name:     "characteristic in service",
			err:      &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"12ce", "ce02"}},
			expected: `characteristic "ce02" not found in service "12ce"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConnectionError_Is(t *testing.T) {
	wrapped := fmt.Errorf("scan: %w", &device.ConnectionError{State: device.TransportUnavailable, Msg: "powered off"})

	assert.ErrorIs(t, wrapped, device.ErrTransportUnavailable, "MUST match by state regardless of message")
	assert.NotErrorIs(t, wrapped, device.ErrNotConnected, "MUST NOT match a different state")
	assert.True(t, device.IsConnectionState(wrapped, device.TransportUnavailable))
	assert.False(t, device.IsConnectionState(errors.New("other"), device.TransportUnavailable))

	var nilErr *device.ConnectionError
	assert.Equal(t, "<nil>", nilErr.Error())
	assert.False(t, nilErr.Is(device.ErrNotConnected))
}

func TestWriteMode_String(t *testing.T) {
	assert.Equal(t, "with-response", device.WithResponse.String())
	assert.Equal(t, "without-response", device.WithoutResponse.String())
	assert.Equal(t, "WriteMode(7)", device.WriteMode(7).String())
}
