package codec

import (
	"strings"
	"unicode"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// MaxNetworks caps the number of networks returned by a parse.
	MaxNetworks = 20
	// MinSSIDLength and MaxSSIDLength bound a trimmed SSID in bytes.
	MinSSIDLength = 3
	MaxSSIDLength = 32

	listSeparator = "\x06"
)

// WiFiNetwork is a network advertised by the device's list characteristic.
type WiFiNetwork struct {
	SSID string
}

// Strategy names the parser that produced a network list.
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategyDelimited Strategy = "delimited"
	StrategyHeuristic Strategy = "heuristic"
)

// knownProviders are SSID stems that commonly start a network name.
// The heuristic parser treats each occurrence as a token boundary.
// Matching is case-sensitive to keep ordinary words from being cut.
var knownProviders = []string{
	"TP-LINK", "TP-Link", "NETGEAR", "Linksys", "ASUS", "Xiaomi", "Redmi",
	"HUAWEI", "Vodafone", "FRITZ!Box", "DIRECT-", "AndroidAP", "iPhone",
	"Galaxy", "MOVISTAR", "MiFibra", "Tenda", "D-Link", "Livebox",
	"Orange", "Telekom", "Freebox", "BTHub", "Xfinity", "eduroam",
	"MERCUSYS", "TOTOLINK", "Ubiquiti",
}

// ParseWiFiList runs the delimited parser and falls back to the heuristic parser
// only when the payload carries no delimiter and the delimited parser found nothing.
func ParseWiFiList(payload []byte) ([]WiFiNetwork, Strategy) {
	if networks := ParseWiFiNetworks(payload); len(networks) > 0 {
		return networks, StrategyDelimited
	}
	if isDelimited(payload) {
		return nil, StrategyNone
	}
	if networks := ParseWiFiNetworksHeuristic(payload); len(networks) > 0 {
		return networks, StrategyHeuristic
	}
	return nil, StrategyNone
}

// ParseWiFiNetworks decodes a list payload using its delimiters, in priority order:
// 0x06, comma, newline, then the whole payload as one network.
// Segments are NUL-stripped and trimmed; only lengths in [MinSSIDLength, MaxSSIDLength] are kept.
// The result is deduplicated in first-seen order and capped at MaxNetworks.
func ParseWiFiNetworks(payload []byte) []WiFiNetwork {
	text := string(payload)

	var segments []string
	switch {
	case strings.Contains(text, listSeparator):
		segments = strings.Split(text, listSeparator)
	case strings.Contains(text, ","):
		segments = strings.Split(text, ",")
	case strings.Contains(text, "\n"):
		segments = strings.Split(text, "\n")
	default:
		segments = []string{text}
	}

	return collect(segments)
}

// ParseWiFiNetworksHeuristic is a best-effort parser for payloads that concatenate
// SSIDs without delimiters. It splits on control and symbol separators and before
// known provider stems. Results are not guaranteed to match the device's list exactly.
func ParseWiFiNetworksHeuristic(payload []byte) []WiFiNetwork {
	text := strings.Map(func(r rune) rune {
		if isSeparator(r) {
			return '\n'
		}
		return r
	}, string(payload))

	var segments []string
	for _, token := range strings.Split(text, "\n") {
		segments = append(segments, splitOnProviders(token)...)
	}
	return collect(segments)
}

func isDelimited(payload []byte) bool {
	text := string(payload)
	return strings.Contains(text, listSeparator) || strings.Contains(text, ",") || strings.Contains(text, "\n")
}

func isSeparator(r rune) bool {
	switch r {
	case '|', ';', '\t', '\r', '\n', ',', '\x06', '\x00':
		return true
	}
	return unicode.IsControl(r)
}

// splitOnProviders cuts token before every known provider stem that does not start it.
func splitOnProviders(token string) []string {
	var parts []string
	start := 0
	for i := 1; i < len(token); i++ {
		stem := providerAt(token, i)
		if stem == 0 {
			continue
		}
		parts = append(parts, token[start:i])
		start = i
		// a stem never contains a cut point of its own
		i += stem - 1
	}
	return append(parts, token[start:])
}

// providerAt returns the length of the longest provider stem starting at i, or 0.
func providerAt(token string, i int) int {
	longest := 0
	for _, p := range knownProviders {
		if len(p) > longest && strings.HasPrefix(token[i:], p) {
			longest = len(p)
		}
	}
	return longest
}

// collect normalizes segments, applies the length bounds, dedupes and caps.
func collect(segments []string) []WiFiNetwork {
	seen := orderedmap.New[string, struct{}]()
	for _, seg := range segments {
		ssid := strings.TrimSpace(strings.ReplaceAll(seg, "\x00", ""))
		if len(ssid) < MinSSIDLength || len(ssid) > MaxSSIDLength {
			continue
		}
		seen.Set(ssid, struct{}{})
		if seen.Len() == MaxNetworks {
			break
		}
	}

	if seen.Len() == 0 {
		return nil
	}
	networks := make([]WiFiNetwork, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		networks = append(networks, WiFiNetwork{SSID: pair.Key})
	}
	return networks
}

// SSIDs returns the network names in order.
func SSIDs(networks []WiFiNetwork) []string {
	out := make([]string, len(networks))
	for i, n := range networks {
		out[i] = n.SSID
	}
	return out
}
