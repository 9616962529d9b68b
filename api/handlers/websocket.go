// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/duplexlab/wspatterns/internal/ledger"
	"github.com/duplexlab/wspatterns/internal/model"
	"github.com/duplexlab/wspatterns/internal/pattern"
	"github.com/duplexlab/wspatterns/internal/session"
)

// WebSocketHandler dispatches inbound upgrade requests to the pattern
// handlers. It owns the route table, runs the pre-dispatch hook chain,
// tracks live sessions in the registry and records connection outcomes in
// the ledger.
type WebSocketHandler struct {
	patterns *pattern.Handlers
	hooks    []pattern.RequestHook
	registry *session.Registry
	ledger   *ledger.Ledger
}

// NewWebSocketHandler creates a new WebSocketHandler. The ledger may be nil,
// in which case connection outcomes are not recorded. Hooks run in order
// against every inbound connection before its handler is dispatched.
func NewWebSocketHandler(patterns *pattern.Handlers, registry *session.Registry, led *ledger.Ledger, hooks ...pattern.RequestHook) *WebSocketHandler {
	return &WebSocketHandler{
		patterns: patterns,
		hooks:    hooks,
		registry: registry,
		ledger:   led,
	}
}

// RegisterRoutes registers every pattern route on the Gin engine. The two
// crypto routes share one catch-all mount: Gin's routing tree cannot hold
// /crypto/price/:sym next to /crypto/price/managed/:sym, so the split
// happens in serveCrypto instead.
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.serve("/", h.patterns.Hello))
	r.GET("/ping_pong", h.serve("/ping_pong", h.patterns.PingPong))
	r.GET("/consumer", h.serve("/consumer", h.patterns.Consume))
	r.GET("/consumer/of/json", h.serve("/consumer/of/json", h.patterns.ConsumeJSON))
	r.GET("/producer", h.serve("/producer", h.patterns.Produce))
	r.GET("/producer/of/json", h.serve("/producer/of/json", h.patterns.ProduceJSON))
	r.GET("/timer", h.serve("/timer", h.patterns.Timer))
	r.GET("/search/subscribe/:topic", h.serve("/search/subscribe/:topic", h.patterns.Subscribe))
	r.GET("/crypto/price/*sym", h.serveCrypto)
}

// serve wraps a pattern handler in a Gin handler for the given route label.
func (h *WebSocketHandler) serve(route string, fn pattern.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := pattern.Params{}
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}
		h.handle(c, route, fn, params)
	}
}

// serveCrypto splits the crypto mount into its managed and unmanaged
// variants and extracts the price symbol from the trailing path.
func (h *WebSocketHandler) serveCrypto(c *gin.Context) {
	sym := strings.TrimPrefix(c.Param("sym"), "/")

	route, fn := "/crypto/price/:sym", h.patterns.CryptoPrice
	if rest, ok := strings.CutPrefix(sym, "managed/"); ok {
		sym = rest
		route, fn = "/crypto/price/managed/:sym", h.patterns.CryptoPriceManaged
	}

	if sym == "" || strings.Contains(sym, "/") {
		sendError(c, http.StatusNotFound, "ROUTE_NOT_FOUND", "Expected a single price symbol path segment")
		return
	}

	h.handle(c, route, fn, pattern.Params{"sym": sym})
}

// handle runs one connection through the hook chain, the pattern handler and
// the teardown that every route shares.
func (h *WebSocketHandler) handle(c *gin.Context, route string, fn pattern.HandlerFunc, params pattern.Params) {
	ctx := c.Request.Context()
	sess := session.New(c.Writer, c.Request, nil)

	for _, hook := range h.hooks {
		if err := hook.OnRequest(ctx, sess, c.Request.URL.Path); err != nil {
			log.Printf("ws %s session %s: pre-dispatch hook failed: %v", route, sess.ID(), err)
			if sess.State() == session.StatePending {
				sendError(c, http.StatusInternalServerError, "HOOK_FAILED", "Failed to prepare connection: "+err.Error())
			} else {
				sess.Close(websocket.CloseInternalServerErr, "hook failed")
			}
			return
		}
	}

	h.registry.Add(sess)
	// LIFO: drop the registry entry first, then write the close outcome,
	// so a row the inspection API reports as closed is never still live.
	defer h.finish(route, sess)
	defer h.registry.Remove(sess.ID())
	h.record(ctx, route, sess)

	err := fn(ctx, sess, params)

	switch {
	case err != nil:
		// Upstream and transport faults end the session abruptly; the
		// peer sees an internal-error close if the socket is still up.
		log.Printf("ws %s session %s: %v", route, sess.ID(), err)
		if sess.State() == session.StateOpen {
			sess.Close(websocket.CloseInternalServerErr, "internal error")
		} else if sess.State() == session.StatePending {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Connection handler failed: "+err.Error())
		}
	case sess.State() == session.StateOpen:
		// The handler finished its conversation; close out normally.
		sess.Close(websocket.CloseNormalClosure, "")
	case sess.State() == session.StatePending:
		// The handler returned without ever attempting the handshake,
		// which is a routing-layer fault, not a protocol outcome.
		log.Printf("ws %s session %s: handler returned without a handshake", route, sess.ID())
		sendError(c, http.StatusInternalServerError, "NOT_CONNECTED", "Handler completed without a WebSocket handshake")
	}
}

// record inserts the ledger row for a dispatched connection.
func (h *WebSocketHandler) record(ctx context.Context, route string, sess *session.Session) {
	if h.ledger == nil {
		return
	}
	conn := &model.Connection{
		ID:          sess.ID(),
		Route:       route,
		RemoteAddr:  sess.RemoteAddr(),
		Status:      model.ConnectionStatusOpen,
		ConnectedAt: time.Now().UTC(),
	}
	if err := h.ledger.Record(ctx, conn); err != nil {
		log.Printf("ws %s session %s: failed to record connection: %v", route, sess.ID(), err)
	}
}

// finish stores the close outcome once the handler is done. The request
// context may already be cancelled by then, so the write gets its own.
func (h *WebSocketHandler) finish(route string, sess *session.Session) {
	if h.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.ledger.Finish(ctx, sess.ID(), sess.CloseCode(), sess.CloseReason(), sess.MessagesSent(), sess.MessagesReceived())
	if err != nil {
		log.Printf("ws %s session %s: failed to record close outcome: %v", route, sess.ID(), err)
	}
}
