// Package device defines the BLE central-role transport contract used by the
// provisioning engine.
//
// The package is backend-agnostic. It provides:
//   - the Transport interface (scan, connect, discover, read/write/subscribe, disconnect)
//   - the session handle and subscription abstractions
//   - sentinel and structured errors shared by every backend
//   - UUID expansion and normalization helpers
//
// The go-ble backend lives in the go-ble subpackage.
package device
