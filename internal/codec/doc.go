// Package codec encodes and decodes the GC provisioning protocol carried over BLE.
//
// It covers device-name filtering, target service matching, WiFi-list parsing
// (a delimiter-based primary strategy and a best-effort heuristic fallback),
// credential and end-of-session frames, transport encoding, and classification
// of confirmation notifications. The package performs no I/O.
package codec
