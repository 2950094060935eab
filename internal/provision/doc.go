// Package provision drives a single GC- device from discovery to a confirmed
// WiFi join.
//
// A Machine owns one ConnectionSession at a time and walks it through
//
//	Idle → Scanning → Connecting → Discovering → ListingNetworks →
//	AwaitingCredentials → Configuring → AwaitingConfirmation → Finalizing → Completed
//
// with Failed reachable from every non-terminal state. Transport operations of
// a session are serialized by the machine; the confirmation subscription and the
// confirmation timer are the only sources of asynchronous input. Both are guarded
// by generation counters so a late callback never touches a newer session.
//
// Progress is published on a bounded, non-blocking event stream (see Events).
package provision
