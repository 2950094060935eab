package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/gcprov/internal/codec"
)

// SerialSource selects where the device serial number is taken from.
type SerialSource string

const (
	// SerialFromName uses the advertised name suffix, reading 0xCE03 only when the suffix is empty.
	SerialFromName SerialSource = "name"
	// SerialFromCharacteristic reads 0xCE03 and falls back to the name suffix.
	SerialFromCharacteristic SerialSource = "characteristic"
)

// ParseSerialSource parses a configuration value.
func ParseSerialSource(s string) (SerialSource, error) {
	switch v := SerialSource(strings.ToLower(strings.TrimSpace(s))); v {
	case SerialFromName, SerialFromCharacteristic:
		return v, nil
	case "":
		return SerialFromName, nil
	default:
		return "", fmt.Errorf("unknown serial source %q (want name or characteristic)", s)
	}
}

// Registry is the device registration backend.
// Both calls are network round trips and may fail or stall.
type Registry interface {
	ValidateDeviceRegistration(ctx context.Context, serial string) (bool, error)
	RegisterDevice(ctx context.Context, serial, transportID, name string) (bool, error)
}

// Options configures a Machine. Zero fields take the tagged defaults.
type Options struct {
	NamePrefix          string        `default:"GC-"`
	ScanDuration        time.Duration `default:"15s"`
	ConnectTimeout      time.Duration `default:"10s"`
	ReadTimeout         time.Duration `default:"5s"`
	WriteTimeout        time.Duration `default:"10s"`
	ConfirmationTimeout time.Duration `default:"40s"`
	RegistryTimeout     time.Duration `default:"10s"`

	EndFrame     codec.EndFrameVariant `default:"colon"`
	Encoding     codec.Encoding        `default:"raw"`
	SerialSource SerialSource          `default:"name"`

	// AllowList and BlockList filter scanned devices by transport address.
	AllowList []string
	BlockList []string

	// ValidateRegistration hides scanned devices the registry does not accept.
	ValidateRegistration bool

	EventBuffer int `default:"256"`

	// Clock defaults to the wall clock.
	Clock Clock
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var opts Options
	opts.applyDefaults()
	return opts
}

func (o *Options) applyDefaults() {
	defaults.SetDefaults(o)
	if o.Clock == nil {
		o.Clock = realClock{}
	}
}
