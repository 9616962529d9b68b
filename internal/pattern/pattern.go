// Package pattern implements the catalogue of WebSocket conversation
// patterns served by the demo routes: greeters, echo loops, consumers,
// producers, timers and upstream API proxies. Each handler owns its
// session for the lifetime of the connection and drives all I/O itself.
package pattern

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/duplexlab/wspatterns/internal/config"
	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/duplexlab/wspatterns/internal/upstream"
)

// Params carries the path parameters extracted by the router.
type Params map[string]string

// Get returns the named parameter, or "" when absent.
func (p Params) Get(name string) string {
	return p[name]
}

// HandlerFunc is the signature shared by every pattern handler. The handler
// decides when to complete the upgrade handshake via sess.Connect (unless a
// pre-dispatch hook already did) and returns once the conversation is over.
// A nil return with the session still open means a normal close.
type HandlerFunc func(ctx context.Context, sess *session.Session, params Params) error

// Handlers bundles the pattern handlers with their dependencies.
type Handlers struct {
	cfg      *config.Config
	upstream *upstream.Client
	newRand  func() *rand.Rand
}

// NewHandlers creates the handler set. Randomness is drawn from a
// time-seeded source unless overridden with WithRand.
func NewHandlers(cfg *config.Config, up *upstream.Client) *Handlers {
	return &Handlers{
		cfg:      cfg,
		upstream: up,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// WithRand replaces the randomness source. Tests use it to get
// deterministic produced values and pacing.
func (h *Handlers) WithRand(newRand func() *rand.Rand) *Handlers {
	h.newRand = newRand
	return h
}

// sessionEnded reports whether err means the session is gone (peer
// disconnect or a concurrent close) and the handler should return cleanly.
func sessionEnded(err error) bool {
	return errors.Is(err, session.ErrDisconnected) || errors.Is(err, session.ErrNotOpen)
}

// pace waits for d before the next loop iteration, returning false when ctx
// ends first. A non-positive d only checks the context.
func pace(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
