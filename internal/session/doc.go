// Package session wraps one accepted WebSocket connection in a Session
// owned by exactly one pattern handler at a time.
//
// The package implements:
//   - Session: connect/close lifecycle plus blocking send/receive primitives
//   - Message: the discriminated text/JSON/binary payload of a single frame
//   - Registry: the set of live sessions, for stats and graceful shutdown
//
// A Session starts Pending, becomes Open when Connect completes the HTTP
// upgrade handshake, and ends Closed: either the peer went away, the owning
// handler closed it with an explicit status code, or the routing layer
// closed it with a normal-closure code after the handler returned. Once
// Closed, every Send and Receive fails.
package session
