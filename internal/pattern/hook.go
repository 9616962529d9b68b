package pattern

import (
	"context"
	"strings"

	"github.com/duplexlab/wspatterns/internal/session"
)

// RequestHook runs against a pending session before its handler is
// dispatched. A non-nil error aborts dispatch; the router reports it to the
// client.
type RequestHook interface {
	OnRequest(ctx context.Context, sess *session.Session, path string) error
}

// AutoConnect is a RequestHook that completes the upgrade handshake for
// every path under its prefix, sparing those handlers the connect
// boilerplate.
type AutoConnect struct {
	PathPrefix string
}

// OnRequest connects the session when the request path matches.
func (a AutoConnect) OnRequest(ctx context.Context, sess *session.Session, path string) error {
	if !strings.HasPrefix(path, a.PathPrefix) {
		return nil
	}
	return sess.Connect()
}
