package model

import (
	"time"
)

// ConnectionStatus represents the status of a recorded connection.
type ConnectionStatus string

const (
	ConnectionStatusOpen   ConnectionStatus = "open"
	ConnectionStatusClosed ConnectionStatus = "closed"
)

// Connection is the ledger record kept for every accepted WebSocket
// connection. It carries handshake metadata and, once the connection
// ends, the close outcome. Message payloads are never stored.
type Connection struct {
	ID               string           `json:"id"`
	Route            string           `json:"route"`
	RemoteAddr       string           `json:"remoteAddr"`
	Status           ConnectionStatus `json:"status"`
	CloseCode        *int             `json:"closeCode,omitempty"`
	CloseReason      string           `json:"closeReason,omitempty"`
	MessagesSent     int64            `json:"messagesSent"`
	MessagesReceived int64            `json:"messagesReceived"`
	ConnectedAt      time.Time        `json:"connectedAt"`
	DisconnectedAt   *time.Time       `json:"disconnectedAt,omitempty"`
}

// Duration returns how long the connection has been (or was) open.
func (c *Connection) Duration() time.Duration {
	if c.DisconnectedAt != nil {
		return c.DisconnectedAt.Sub(c.ConnectedAt)
	}
	return time.Since(c.ConnectedAt)
}

// RouteStat aggregates ledger rows per route for the stats endpoint.
type RouteStat struct {
	Route string `json:"route"`
	Count int    `json:"count"`
}
