// Package protocol owns the wire envelope exchanged between callers,
// responders, and the router proxy.
//
// Ownership boundary:
// - message type IDs and TLV field IDs
// - envelope shape and validation
// - envelope <-> frame codec
package protocol
