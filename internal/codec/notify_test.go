package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		payload string
		kind    NotificationKind
	}{
		{payload: "  Wifi_OK  ", kind: NotificationWifiConfirmed},
		{payload: "WIFI OK", kind: NotificationWifiConfirmed},
		{payload: "ok", kind: NotificationWifiConfirmed},
		{payload: "WiFiOK\x00", kind: NotificationWifiConfirmed},
		{payload: "status: wifi_ok ip=192.168.1.20", kind: NotificationWifiConfirmed},
		{payload: "OK.", kind: NotificationWifiConfirmed},
		{payload: "wifi_failed", kind: NotificationOther},
		{payload: "token", kind: NotificationOther},
		{payload: "booking", kind: NotificationOther},
		{payload: "wifi_ok2", kind: NotificationOther},
		{payload: "connecting...", kind: NotificationOther},
		{payload: "", kind: NotificationEmpty},
		{payload: " \x00 ", kind: NotificationEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			n := Classify([]byte(tt.payload))
			assert.Equal(t, tt.kind, n.Kind, "payload %q", tt.payload)
			assert.Equal(t, tt.payload, n.Text, "raw text MUST pass through unfiltered")
		})
	}
}

func TestNotificationKind_String(t *testing.T) {
	assert.Equal(t, "wifi-confirmed", NotificationWifiConfirmed.String())
	assert.Equal(t, "other", NotificationOther.String())
	assert.Equal(t, "empty", NotificationEmpty.String())
	assert.True(t, Notification{Kind: NotificationWifiConfirmed}.Confirmed())
}
