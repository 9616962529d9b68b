package pattern

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duplexlab/wspatterns/internal/config"
	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/duplexlab/wspatterns/internal/upstream"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// capture is what the test harness records after a handler run.
type capture struct {
	sess *session.Session
	err  error
}

// startPattern serves fn the way the router does: build a session, run the
// handler, close normally if it returned nil with the session still open.
func startPattern(t *testing.T, fn HandlerFunc, params Params) (wsURL string, results <-chan capture, cleanup func()) {
	t.Helper()
	res := make(chan capture, 256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.New(w, r, nil)
		err := fn(r.Context(), sess, params)
		if err == nil && sess.State() == session.StateOpen {
			sess.Close(websocket.CloseNormalClosure, "")
		}
		res <- capture{sess: sess, err: err}
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), res, srv.Close
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ProducerInterval = 2 * time.Millisecond
	cfg.TimerInterval = 5 * time.Millisecond
	cfg.CryptoInterval = 20 * time.Millisecond
	cfg.SubscribeMinDelay = time.Millisecond
	cfg.SubscribeMaxDelay = 2 * time.Millisecond
	return cfg
}

func testHandlers(cfg *config.Config) *Handlers {
	h := NewHandlers(cfg, upstream.NewClient(2*time.Second, 1))
	return h.WithRand(func() *rand.Rand {
		return rand.New(rand.NewSource(1))
	})
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func waitCapture(t *testing.T, results <-chan capture) capture {
	t.Helper()
	select {
	case c := <-results:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler to finish")
		return capture{}
	}
}

func TestHello(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.Hello, nil)
	defer cleanup()

	conn := dial(t, wsURL)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "Hello World!" {
		t.Errorf("expected greeting, got %q", data)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure after greeting, got %v", err)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("handler returned error: %v", c.err)
	}
}

func TestPingPong(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.PingPong, nil)
	defer cleanup()

	conn := dial(t, wsURL)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			t.Fatalf("write ping %d failed: %v", i, err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read pong %d failed: %v", i, err)
		}
		if string(data) != "pong" {
			t.Errorf("exchange %d: expected pong, got %q", i, data)
		}
	}

	// Anything that is not exactly "ping" is a protocol error.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("pingx")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseProtocolError) {
		t.Errorf("expected close 1002, got %v", err)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("handler returned error: %v", c.err)
	}
	if c.sess.CloseCode() != websocket.CloseProtocolError {
		t.Errorf("expected recorded close code 1002, got %d", c.sess.CloseCode())
	}
}

func TestPingPongClientDisconnect(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.PingPong, nil)
	defer cleanup()

	conn := dial(t, wsURL)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close failed: %v", err)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("disconnect should end the handler cleanly, got %v", c.err)
	}
	conn.Close()
}

func TestConsume(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.Consume, nil)
	defer cleanup()

	conn := dial(t, wsURL)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("data "+strconv.Itoa(i))); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close failed: %v", err)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("handler returned error: %v", c.err)
	}
	if got := c.sess.MessagesReceived(); got != 3 {
		t.Errorf("expected 3 received frames, got %d", got)
	}
}

func TestConsumeJSONSurvivesMalformedFrames(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.ConsumeJSON, nil)
	defer cleanup()

	conn := dial(t, wsURL)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"sensor":"a","value":7}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close failed: %v", err)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("malformed frame should not end the handler, got %v", c.err)
	}
	if got := c.sess.MessagesReceived(); got != 2 {
		t.Errorf("expected both frames to be read, got %d", got)
	}
}

func TestProduce(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.Produce, nil)
	defer cleanup()

	conn := dial(t, wsURL)

	for i := 0; i < 3; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		n, err := strconv.Atoi(string(data))
		if err != nil {
			t.Fatalf("message %d is not an integer: %q", i, data)
		}
		if n < 0 || n > 1000000 {
			t.Errorf("message %d out of range: %d", i, n)
		}
	}

	conn.Close()
	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("client disconnect should end the producer cleanly, got %v", c.err)
	}
}

func TestProduceJSON(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.ProduceJSON, nil)
	defer cleanup()

	conn := dial(t, wsURL)

	var records []producedRecord
	for i := 0; i < 2; i++ {
		var rec producedRecord
		if err := conn.ReadJSON(&rec); err != nil {
			t.Fatalf("read record %d failed: %v", i, err)
		}
		records = append(records, rec)
	}
	conn.Close()

	for i, rec := range records {
		if rec.Int < 0 || rec.Int > 1000000 {
			t.Errorf("record %d: int out of range: %d", i, rec.Int)
		}
		for field, want := range map[string]struct {
			value   string
			version uuid.Version
		}{
			"uuid1": {rec.UUID1, 1},
			"uuid3": {rec.UUID3, 3},
			"uuid4": {rec.UUID4, 4},
			"uuid5": {rec.UUID5, 5},
		} {
			u, err := uuid.Parse(want.value)
			if err != nil {
				t.Errorf("record %d: %s does not parse: %v", i, field, err)
				continue
			}
			if u.Version() != want.version {
				t.Errorf("record %d: %s has version %d", i, field, u.Version())
			}
		}
	}

	// Name-based variants are stable, the random one is not.
	if records[0].UUID3 != records[1].UUID3 {
		t.Error("uuid3 should be identical across records")
	}
	if records[0].UUID5 != records[1].UUID5 {
		t.Error("uuid5 should be identical across records")
	}
	if records[0].UUID4 == records[1].UUID4 {
		t.Error("uuid4 should differ across records")
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("client disconnect should end the producer cleanly, got %v", c.err)
	}
}

func TestTimer(t *testing.T) {
	cfg := testConfig()
	cfg.TimerInterval = 150 * time.Millisecond
	h := testHandlers(cfg)
	wsURL, results, cleanup := startPattern(t, h.Timer, nil)
	defer cleanup()

	conn := dial(t, wsURL)

	var stamps []time.Time
	for i := 0; i < 2; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			t.Fatalf("message %d is not a timestamp: %q", i, data)
		}
		stamps = append(stamps, ts)
	}
	conn.Close()

	if stamps[1].Before(stamps[0]) {
		t.Errorf("timestamps went backwards: %v then %v", stamps[0], stamps[1])
	}

	// The second tick is paced by the timer interval.
	if gap := stamps[1].Sub(stamps[0]); gap < 100*time.Millisecond {
		t.Errorf("ticks arrived %v apart, want at least the configured interval", gap)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("client disconnect should end the timer cleanly, got %v", c.err)
	}
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	h := testHandlers(testConfig())
	wsURL, results, cleanup := startPattern(t, h.Subscribe, Params{"topic": "definitely-not-approved"})
	defer cleanup()

	conn := dial(t, wsURL)
	defer conn.Close()

	// The handshake completes, then the socket closes with 1007 before any
	// data arrives.
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData) {
		t.Errorf("expected close 1007, got %v", err)
	}

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("rejection is not a handler error, got %v", c.err)
	}
	if got := c.sess.MessagesSent(); got != 0 {
		t.Errorf("expected zero data frames before rejection, got %d", got)
	}
}

func TestSubscribeStreamsSearchResults(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("q"))
		mu.Unlock()
		w.Write([]byte(`{"RelatedTopics":[{"Text":"first"},{"Text":"second"}]}`))
	}))
	defer stub.Close()

	cfg := testConfig()
	cfg.SearchURL = stub.URL + "?q=%s&format=json"
	h := testHandlers(cfg)

	wsURL, _, cleanup := startPattern(t, h.Subscribe, Params{"topic": "games"})
	defer cleanup()

	conn := dial(t, wsURL)

	// Two items from the first page, then the salted second fetch begins.
	want := []string{"first", "second", "first"}
	for i, text := range want {
		var item struct {
			Text string `json:"Text"`
		}
		if err := conn.ReadJSON(&item); err != nil {
			t.Fatalf("read item %d failed: %v", i, err)
		}
		if item.Text != text {
			t.Errorf("item %d: expected %q, got %q", i, text, item.Text)
		}
	}
	conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(queries) < 2 {
		t.Fatalf("expected at least 2 upstream queries, got %d", len(queries))
	}
	if queries[0] != "games" {
		t.Errorf("first query should be the bare topic, got %q", queries[0])
	}
	if !strings.HasPrefix(queries[1], "games ") {
		t.Errorf("second query should be salted, got %q", queries[1])
	}
	salt := strings.TrimPrefix(queries[1], "games ")
	if !cfg.AllowsTopic(salt) {
		t.Errorf("salt should come from the topic list, got %q", salt)
	}
}

func TestCryptoPriceStreamsQuotes(t *testing.T) {
	var mu sync.Mutex
	var syms []string
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		syms = append(syms, r.URL.Query().Get("fsym"))
		mu.Unlock()
		w.Write([]byte(`{"USD":27000.5,"EUR":25100.25}`))
	}))
	defer stub.Close()

	cfg := testConfig()
	cfg.CryptoURL = stub.URL + "?fsym=%s&tsyms=USD,EUR"
	cfg.CryptoInterval = 150 * time.Millisecond
	h := testHandlers(cfg)

	wsURL, _, cleanup := startPattern(t, h.CryptoPrice, Params{"sym": "btc"})
	defer cleanup()

	conn := dial(t, wsURL)

	var quote map[string]float64
	if err := conn.ReadJSON(&quote); err != nil {
		t.Fatalf("read first quote failed: %v", err)
	}
	if quote["USD"] != 27000.5 {
		t.Errorf("unexpected USD quote: %v", quote["USD"])
	}

	// The second quote is throttled by the poll interval.
	start := time.Now()
	if err := conn.ReadJSON(&quote); err != nil {
		t.Fatalf("read second quote failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("second quote arrived too fast: %v", elapsed)
	}
	conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(syms) == 0 || syms[0] != "BTC" {
		t.Errorf("expected upper-cased symbol BTC, got %v", syms)
	}
}

func TestCryptoPriceManagedUsesHookHandshake(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"USD":1.25,"EUR":1.5}`))
	}))
	defer stub.Close()

	cfg := testConfig()
	cfg.CryptoURL = stub.URL + "?fsym=%s&tsyms=USD,EUR"
	h := testHandlers(cfg)

	hook := AutoConnect{PathPrefix: "/crypto/price/managed/"}
	managed := func(ctx context.Context, sess *session.Session, params Params) error {
		if err := hook.OnRequest(ctx, sess, "/crypto/price/managed/eth"); err != nil {
			return err
		}
		return h.CryptoPriceManaged(ctx, sess, params)
	}

	wsURL, results, cleanup := startPattern(t, managed, Params{"sym": "eth"})
	defer cleanup()

	conn := dial(t, wsURL)
	var quote map[string]float64
	if err := conn.ReadJSON(&quote); err != nil {
		t.Fatalf("read quote failed: %v", err)
	}
	if quote["EUR"] != 1.5 {
		t.Errorf("unexpected EUR quote: %v", quote["EUR"])
	}
	conn.Close()

	c := waitCapture(t, results)
	if c.err != nil {
		t.Errorf("handler returned error: %v", c.err)
	}
}

func TestCryptoPriceUpstreamFault(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer stub.Close()

	cfg := testConfig()
	cfg.CryptoURL = stub.URL + "?fsym=%s&tsyms=USD,EUR"
	h := testHandlers(cfg)

	wsURL, results, cleanup := startPattern(t, h.CryptoPrice, Params{"sym": "btc"})
	defer cleanup()

	conn := dial(t, wsURL)
	defer conn.Close()

	c := waitCapture(t, results)
	if c.err == nil {
		t.Fatal("expected an upstream fault to surface")
	}
	var se *upstream.StatusError
	if !errors.As(c.err, &se) {
		t.Errorf("expected StatusError in the chain, got %v", c.err)
	}
}

func TestAutoConnectSkipsOtherPaths(t *testing.T) {
	hook := AutoConnect{PathPrefix: "/crypto/price/managed/"}
	r := httptest.NewRequest("GET", "/timer", nil)
	sess := session.New(httptest.NewRecorder(), r, nil)

	if err := hook.OnRequest(context.Background(), sess, "/timer"); err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if sess.State() != session.StatePending {
		t.Errorf("hook should leave non-matching sessions pending, got %s", sess.State())
	}
}
