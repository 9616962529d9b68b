package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplexlab/wspatterns/api/handlers"
	"github.com/duplexlab/wspatterns/internal/config"
	"github.com/duplexlab/wspatterns/internal/db"
	"github.com/duplexlab/wspatterns/internal/ledger"
	"github.com/duplexlab/wspatterns/internal/pattern"
	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/duplexlab/wspatterns/internal/upstream"
)

// testServer is a full engine (routes, hooks, registry, in-memory ledger)
// wired exactly the way the server binary wires it.
type testServer struct {
	httpURL string
	wsURL   string
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

func startServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	led := ledger.New(testDB)

	registry := session.NewRegistry()
	patterns := pattern.NewHandlers(cfg, upstream.NewClient(2*time.Second, 1))

	sessionHandler := handlers.NewSessionHandler(registry, led)
	wsHandler := handlers.NewWebSocketHandler(patterns, registry, led,
		pattern.AutoConnect{PathPrefix: "/crypto/price/managed/"},
	)

	r := gin.New()
	sessionHandler.RegisterHealthRoute(r)
	api := r.Group("/api")
	sessionHandler.RegisterRoutes(api)
	wsHandler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{
		httpURL: srv.URL,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial %s", url)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// getJSON fetches url and decodes the body into v (unless nil), returning the
// HTTP status code.
func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func listSessions(t *testing.T, ts *testServer) []handlers.ConnectionResponse {
	t.Helper()
	var rows []handlers.ConnectionResponse
	status := getJSON(t, ts.httpURL+"/api/sessions", &rows)
	require.Equal(t, http.StatusOK, status)
	return rows
}

// waitClosedRow polls the inspection API until the ledger shows a closed row
// for the route. The close outcome is written after the handler goroutine
// unwinds, so the row turns up shortly after the client sees the close frame.
func waitClosedRow(t *testing.T, ts *testServer, route string) handlers.ConnectionResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, row := range listSessions(t, ts) {
			if row.Route == route && row.Status == "closed" {
				return row
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no closed ledger row for route %s", route)
	return handlers.ConnectionResponse{}
}

func TestHelloRoundTrip(t *testing.T) {
	ts := startServer(t, testConfig())

	conn := dialWS(t, ts.wsURL+"/")
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Hello World!", string(data))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected close 1000 after the greeting, got %v", err)

	row := waitClosedRow(t, ts, "/")
	require.NotNil(t, row.CloseCode)
	assert.Equal(t, websocket.CloseNormalClosure, *row.CloseCode)
	assert.EqualValues(t, 1, row.MessagesSent)
	assert.EqualValues(t, 0, row.MessagesReceived)
	assert.False(t, row.Live)
}

func TestPingPongExchange(t *testing.T) {
	ts := startServer(t, testConfig())

	conn := dialWS(t, ts.wsURL+"/ping_pong")
	defer conn.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "exchange %d", i)
		assert.Equal(t, "pong", string(data), "exchange %d", i)
	}

	// Any payload other than "ping" is a protocol error.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("pingx")))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError),
		"expected close 1002, got %v", err)

	row := waitClosedRow(t, ts, "/ping_pong")
	require.NotNil(t, row.CloseCode)
	assert.Equal(t, websocket.CloseProtocolError, *row.CloseCode)
	assert.EqualValues(t, 3, row.MessagesSent)
	assert.EqualValues(t, 4, row.MessagesReceived)
}

func TestCryptoPriceRoute(t *testing.T) {
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
	ts := startServer(t, cfg)

	conn := dialWS(t, ts.wsURL+"/crypto/price/btc")

	var quote map[string]float64
	require.NoError(t, conn.ReadJSON(&quote))
	assert.Equal(t, 27000.5, quote["USD"])
	assert.Equal(t, 25100.25, quote["EUR"])

	conn.Close()

	mu.Lock()
	require.NotEmpty(t, syms)
	assert.Equal(t, "BTC", syms[0], "symbol should be upper-cased for the upstream")
	mu.Unlock()

	// Dropping the transport without a close frame is recorded as an
	// abnormal closure once the next send fails.
	row := waitClosedRow(t, ts, "/crypto/price/:sym")
	require.NotNil(t, row.CloseCode)
	assert.Equal(t, websocket.CloseAbnormalClosure, *row.CloseCode)
}

func TestCryptoPriceManagedRoute(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"USD":1.25,"EUR":1.5}`))
	}))
	defer stub.Close()

	cfg := testConfig()
	cfg.CryptoURL = stub.URL + "?fsym=%s&tsyms=USD,EUR"
	ts := startServer(t, cfg)

	// The managed variant gets its handshake from the pre-dispatch hook.
	conn := dialWS(t, ts.wsURL+"/crypto/price/managed/eth")
	defer conn.Close()

	var quote map[string]float64
	require.NoError(t, conn.ReadJSON(&quote))
	assert.Equal(t, 1.5, quote["EUR"])

	conn.Close()
	waitClosedRow(t, ts, "/crypto/price/managed/:sym")
}

func TestCryptoPriceRouteValidation(t *testing.T) {
	ts := startServer(t, testConfig())

	for _, path := range []string{
		"/crypto/price/",
		"/crypto/price/btc/extra",
		"/crypto/price/managed/",
		"/crypto/price/managed/eth/extra",
	} {
		var errResp handlers.ErrorResponse
		status := getJSON(t, ts.httpURL+path, &errResp)
		assert.Equal(t, http.StatusNotFound, status, "path %s", path)
		assert.Equal(t, "ROUTE_NOT_FOUND", errResp.Error.Code, "path %s", path)
	}
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	ts := startServer(t, testConfig())

	conn := dialWS(t, ts.wsURL+"/search/subscribe/definitely-not-approved")
	defer conn.Close()

	// The handshake completes, then the server closes with 1007 before any
	// data frame.
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData),
		"expected close 1007, got %v", err)

	row := waitClosedRow(t, ts, "/search/subscribe/:topic")
	require.NotNil(t, row.CloseCode)
	assert.Equal(t, websocket.CloseInvalidFramePayloadData, *row.CloseCode)
	assert.EqualValues(t, 0, row.MessagesSent)
}

func TestSubscribeStreamsApprovedTopic(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"RelatedTopics":[{"Text":"first"},{"Text":"second"}]}`))
	}))
	defer stub.Close()

	cfg := testConfig()
	cfg.SearchURL = stub.URL + "?q=%s&format=json"
	ts := startServer(t, cfg)

	conn := dialWS(t, ts.wsURL+"/search/subscribe/games")
	defer conn.Close()

	var item struct {
		Text string `json:"Text"`
	}
	require.NoError(t, conn.ReadJSON(&item))
	assert.Equal(t, "first", item.Text)
	require.NoError(t, conn.ReadJSON(&item))
	assert.Equal(t, "second", item.Text)
}

func TestHealthEndpoint(t *testing.T) {
	ts := startServer(t, testConfig())

	var body map[string]interface{}
	status := getJSON(t, ts.httpURL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestStatsEndpoint(t *testing.T) {
	ts := startServer(t, testConfig())

	// One full hello conversation to populate the counters.
	conn := dialWS(t, ts.wsURL+"/")
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
	conn.ReadMessage()
	conn.Close()
	waitClosedRow(t, ts, "/")

	var stats handlers.StatsResponse
	status := getJSON(t, ts.httpURL+"/api/stats", &stats)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 0, stats.ActiveSessions)
	assert.EqualValues(t, 1, stats.TotalAccepted)
	assert.Equal(t, 1, stats.RecordedClosed)
	require.Len(t, stats.Routes, 1)
	assert.Equal(t, "/", stats.Routes[0].Route)
	assert.Equal(t, 1, stats.Routes[0].Count)
}

func TestSessionsAPI(t *testing.T) {
	ts := startServer(t, testConfig())

	// Two hello conversations; two ledger rows.
	for i := 0; i < 2; i++ {
		conn := dialWS(t, ts.wsURL+"/")
		_, _, err := conn.ReadMessage()
		require.NoError(t, err, "conversation %d", i)
		conn.ReadMessage()
		conn.Close()
	}
	row := waitClosedRow(t, ts, "/")

	var got handlers.ConnectionResponse
	status := getJSON(t, ts.httpURL+"/api/sessions/"+row.ID, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, row.ID, got.ID)
	assert.Equal(t, "/", got.Route)

	var limited []handlers.ConnectionResponse
	status = getJSON(t, ts.httpURL+"/api/sessions?limit=1", &limited)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, limited, 1)

	var errResp handlers.ErrorResponse
	status = getJSON(t, ts.httpURL+"/api/sessions?limit=bogus", &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errResp.Error.Code)

	status = getJSON(t, ts.httpURL+"/api/sessions/no-such-id", &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "CONNECTION_NOT_FOUND", errResp.Error.Code)
}
