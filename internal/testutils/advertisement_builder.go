package testutils

import (
	"github.com/srg/gcprov/internal/device"
)

// FakeAdvertisement is a static device.Advertisement.
type FakeAdvertisement struct {
	Name        string
	Address     string
	Signal      int
	ServiceIDs  []string
	Unconnected bool
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) RSSI() int          { return a.Signal }
func (a *FakeAdvertisement) Addr() string       { return a.Address }
func (a *FakeAdvertisement) Connectable() bool  { return !a.Unconnected }
func (a *FakeAdvertisement) Services() []string { return device.NormalizeUUIDs(a.ServiceIDs) }

// AdvertisementBuilder builds fake advertisements for testing.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength in dBm.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

// WithServices sets the advertised service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = uuids
	return b
}

// WithConnectable sets the connectable flag.
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.Unconnected = !connectable
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}
