package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the Bluetooth SIG base UUID without its 32-bit prefix.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix if present (e.g., "0x2902" -> "2902").
// Full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb)
// are shortened to their 16-bit form (xxxx). Other values are not validated.
func NormalizeUUID(u string) string {
	n := strings.ToLower(strings.TrimSpace(u))
	n = strings.TrimPrefix(n, "0x")
	n = strings.ReplaceAll(n, "-", "")
	if len(n) == 32 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, bluetoothBaseSuffix) {
		return n[4:8]
	}
	return n
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, u := range uuids {
		normalized[i] = NormalizeUUID(u)
	}
	return normalized
}

// ExpandUUID returns the canonical dashed 128-bit form of a UUID.
// 16- and 32-bit short forms are placed into the Bluetooth SIG base template.
func ExpandUUID(u string) (string, error) {
	n := NormalizeUUID(u)
	switch len(n) {
	case 4, 8:
		if _, err := strconv.ParseUint(n, 16, 32); err != nil {
			return "", fmt.Errorf("%w: UUID %q is not hexadecimal", ErrInvalidArg, u)
		}
		n = fmt.Sprintf("%08s", n) + bluetoothBaseSuffix
	case 32:
	default:
		return "", fmt.Errorf("%w: UUID %q must be 16, 32 or 128 bits", ErrInvalidArg, u)
	}

	parsed, err := uuid.Parse(n)
	if err != nil {
		return "", fmt.Errorf("%w: UUID %q: %v", ErrInvalidArg, u, err)
	}
	return parsed.String(), nil
}

// MustExpandUUID is ExpandUUID for compile-time constants; it panics on invalid input.
func MustExpandUUID(u string) string {
	expanded, err := ExpandUUID(u)
	if err != nil {
		panic(err)
	}
	return expanded
}

// UUID16 renders a 16-bit identifier in normalized short form.
func UUID16(id uint16) string {
	return fmt.Sprintf("%04x", id)
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		if _, err := ExpandUUID(u); err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
		}
		result = append(result, NormalizeUUID(u))
	}
	return result, nil
}
