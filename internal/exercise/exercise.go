// Package exercise drives each WebSocket pattern endpoint from the client
// side, one scenario per route. A scenario opens a connection, runs the
// conversation the route expects and returns a Report of what it saw.
package exercise

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/duplexlab/wspatterns/internal/buffer"
)

// dialAttempts bounds the connect retry loop.
const dialAttempts = 4

// defaultTailSize is how many received messages a Report keeps when the
// caller does not say otherwise.
const defaultTailSize = 8

// Options configures a scenario run.
type Options struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080". An
	// http(s):// URL is converted to the matching ws(s) scheme.
	BaseURL string

	// Count is how many messages the scenario exchanges, for scenarios
	// that repeat.
	Count int

	// Topic is the subscription topic for the subscribe scenario.
	Topic string

	// Symbol is the ticker symbol for the crypto scenarios.
	Symbol string

	// Interval paces sends in the consumer-feeding scenarios.
	Interval time.Duration

	// Timeout bounds each single receive.
	Timeout time.Duration

	// TailSize bounds the Report's message tail.
	TailSize int
}

// withDefaults fills in everything the caller left zero.
func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = "ws://localhost:8080"
	}
	if o.Count <= 0 {
		o.Count = 10
	}
	if o.Topic == "" {
		o.Topic = "games"
	}
	if o.Symbol == "" {
		o.Symbol = "BTC"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.TailSize <= 0 {
		o.TailSize = defaultTailSize
	}
	o.BaseURL = wsScheme(strings.TrimRight(o.BaseURL, "/"))
	return o
}

// Report is what a scenario run produced.
type Report struct {
	Scenario  string
	Route     string
	Sent      int
	Received  int
	Elapsed   time.Duration
	CloseCode int
	Tail      []string
}

// String renders the one-line summary the client prints.
func (r *Report) String() string {
	s := fmt.Sprintf("%s %s: sent %d, received %d in %s",
		r.Scenario, r.Route, r.Sent, r.Received, r.Elapsed.Round(time.Millisecond))
	if r.CloseCode != 0 {
		s += fmt.Sprintf(" (server close %d)", r.CloseCode)
	}
	return s
}

// ScenarioFunc runs one client-side conversation.
type ScenarioFunc func(ctx context.Context, opts Options) (*Report, error)

// scenarios maps scenario names to their conversations. Names follow the
// client's sub-command spelling, not the route path.
var scenarios = map[string]ScenarioFunc{
	"hello":          Hello,
	"ping-pong":      PingPong,
	"consumer":       Consumer,
	"consumer-json":  ConsumerJSON,
	"producer":       Producer,
	"producer-json":  ProducerJSON,
	"timer":          Timer,
	"subscribe":      Subscribe,
	"crypto":         Crypto,
	"crypto-managed": CryptoManaged,
}

// scenarioOrder fixes the listing order for Names.
var scenarioOrder = []string{
	"hello", "ping-pong", "consumer", "consumer-json", "producer",
	"producer-json", "timer", "subscribe", "crypto", "crypto-managed",
}

// Names returns every scenario name in presentation order.
func Names() []string {
	names := make([]string, len(scenarioOrder))
	copy(names, scenarioOrder)
	return names
}

// Run executes the named scenario.
func Run(ctx context.Context, name string, opts Options) (*Report, error) {
	fn, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q (have: %s)", name, strings.Join(Names(), ", "))
	}
	return fn(ctx, opts)
}

// wsScheme rewrites an http(s) base URL to the ws(s) equivalent.
func wsScheme(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "http://"):
		return "ws" + strings.TrimPrefix(baseURL, "http")
	case strings.HasPrefix(baseURL, "https://"):
		return "wss" + strings.TrimPrefix(baseURL, "https")
	default:
		return baseURL
	}
}

// dial connects to wsURL, retrying transport failures with jittered backoff.
// A handshake the server answered with a non-101 HTTP status is not retried:
// the server is there, it just said no.
func dial(ctx context.Context, wsURL string, opts Options) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.Timeout,
	}
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dial %s: server answered %d: %w", wsURL, resp.StatusCode, err)
		}
		if attempt >= dialAttempts {
			return nil, fmt.Errorf("dial %s: %w", wsURL, err)
		}

		d := b.Duration()
		log.Printf("dial %s failed (%v), retrying in %s", wsURL, err, d)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// readMessage reads one data frame with the per-receive timeout applied.
func readMessage(conn *websocket.Conn, timeout time.Duration) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	return data, err
}

// serverCloseCode extracts the status code from a close-frame error, or 0
// when err is not a close frame.
func serverCloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// hangUp performs the client side of a clean closure: send a close frame,
// then read until the server echoes one back. The server's code is
// returned when it arrives in time.
func hangUp(conn *websocket.Conn, timeout time.Duration) int {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return serverCloseCode(err)
		}
	}
}

// pace sleeps for d unless the context ends first.
func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// tailOf snapshots a ring into a report tail.
func tailOf(ring *buffer.Ring) []string {
	return ring.Items()
}
