// Package session owns the set of identity-keyed connections and the
// correlation table for in-flight calls.
//
// Ownership boundary:
// - at most one live session per peer identity
// - session lifecycle CONNECTING -> OPEN -> DRAINING -> CLOSED
// - inbound dispatch by correlation id
// - idle sweep and drain deadlines
package session
