package codec

import (
	"strings"

	"github.com/srg/gcprov/internal/device"
)

// DefaultNamePrefix is the advertised-name prefix of provisionable devices.
const DefaultNamePrefix = "GC-"

// 16-bit identifiers of the provisioning GATT layout.
const (
	PrimaryService       uint16 = 0x12CE
	SecondaryService     uint16 = 0x12CF
	ListCharacteristic   uint16 = 0xCE01
	ConfigCharacteristic uint16 = 0xCE02
	SerialCharacteristic uint16 = 0xCE03
)

// TargetServices lists the service identifiers in preference order.
var TargetServices = []uint16{PrimaryService, SecondaryService}

// FullUUID expands a 16-bit identifier into the 128-bit Bluetooth base UUID.
func FullUUID(id uint16) string {
	return device.MustExpandUUID(device.UUID16(id))
}

// MatchDeviceName reports whether name carries the prefix and returns the remainder
// as the serial number candidate. An empty prefix selects DefaultNamePrefix.
func MatchDeviceName(name, prefix string) (serial string, ok bool) {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(name[len(prefix):], "\x00")), true
}

// NameFilter accepts advertisements whose local name carries the prefix.
func NameFilter(prefix string) device.AdvertisementFilter {
	return func(adv device.Advertisement) bool {
		_, ok := MatchDeviceName(adv.LocalName(), prefix)
		return ok
	}
}

// IsTargetService reports whether uuid, in any accepted notation, is a provisioning service.
func IsTargetService(uuid string) bool {
	n := device.NormalizeUUID(uuid)
	for _, id := range TargetServices {
		if n == device.UUID16(id) {
			return true
		}
	}
	return false
}

// FindTargetService returns the full UUID of the first provisioning service present in services.
func FindTargetService(services device.ServiceMap) (string, bool) {
	for _, id := range TargetServices {
		if services.Has(device.UUID16(id)) {
			return FullUUID(id), true
		}
	}
	return "", false
}

// DecodeSerial decodes a serial number characteristic value.
func DecodeSerial(data []byte) string {
	return strings.TrimSpace(strings.Trim(string(data), "\x00"))
}
