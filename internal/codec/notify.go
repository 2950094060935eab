package codec

import (
	"strings"
	"unicode"
)

// NotificationKind classifies a value pushed on the config characteristic.
type NotificationKind int

const (
	NotificationEmpty NotificationKind = iota
	NotificationOther
	NotificationWifiConfirmed
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationEmpty:
		return "empty"
	case NotificationOther:
		return "other"
	case NotificationWifiConfirmed:
		return "wifi-confirmed"
	default:
		return "unknown"
	}
}

// Notification is a classified notification. Text is the raw decoded payload.
type Notification struct {
	Kind NotificationKind
	Text string
}

// Confirmed reports whether the device acknowledged joining the network.
func (n Notification) Confirmed() bool { return n.Kind == NotificationWifiConfirmed }

// confirmationTokens are matched against lowercased, trimmed text.
var confirmationTokens = []string{"wifi_ok", "wifi ok", "wifiok", "ok"}

// Classify decodes payload as text and matches it against the confirmation tokens.
// A token matches when it equals the text or occurs in it as a whole word.
func Classify(payload []byte) Notification {
	raw := string(payload)
	text := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(raw, "\x00", "")))
	if text == "" {
		return Notification{Kind: NotificationEmpty, Text: raw}
	}

	for _, token := range confirmationTokens {
		if text == token || containsWord(text, token) {
			return Notification{Kind: NotificationWifiConfirmed, Text: raw}
		}
	}
	return Notification{Kind: NotificationOther, Text: raw}
}

// containsWord reports whether word occurs in text bounded by non-word characters.
func containsWord(text, word string) bool {
	for offset := 0; offset <= len(text)-len(word); {
		i := strings.Index(text[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		if !isWordByteAt(text, start-1) && !isWordByteAt(text, end) {
			return true
		}
		offset = start + 1
	}
	return false
}

func isWordByteAt(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	r := rune(s[i])
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
