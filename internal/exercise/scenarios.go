package exercise

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duplexlab/wspatterns/internal/buffer"
)

// Hello connects to the root route, expects the greeting and the normal
// closure that follows it.
func Hello(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "hello", Route: "/"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	data, err := readMessage(conn, opts.Timeout)
	if err != nil {
		return report, fmt.Errorf("read greeting: %w", err)
	}
	report.Received++
	report.Tail = []string{string(data)}

	if string(data) != "Hello World!" {
		return report, fmt.Errorf("unexpected greeting %q", data)
	}

	// The server closes right after the greeting.
	_, err = readMessage(conn, opts.Timeout)
	report.CloseCode = serverCloseCode(err)
	report.Elapsed = time.Since(start)

	if report.CloseCode != websocket.CloseNormalClosure {
		return report, fmt.Errorf("expected normal closure after greeting, got %v", err)
	}
	return report, nil
}

// PingPong sends Count pings and expects a pong for each, in order.
func PingPong(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "ping-pong", Route: "/ping_pong"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/ping_pong", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	for i := 0; i < opts.Count; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			return report, fmt.Errorf("send ping %d: %w", i+1, err)
		}
		report.Sent++

		data, err := readMessage(conn, opts.Timeout)
		if err != nil {
			report.CloseCode = serverCloseCode(err)
			return report, fmt.Errorf("read pong %d: %w", i+1, err)
		}
		report.Received++

		if string(data) != "pong" {
			return report, fmt.Errorf("exchange %d: expected pong, got %q", i+1, data)
		}
	}

	report.CloseCode = hangUp(conn, opts.Timeout)
	report.Elapsed = time.Since(start)
	return report, nil
}

// Consumer feeds the consumer route Count text messages, paced by Interval.
func Consumer(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "consumer", Route: "/consumer"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/consumer", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	for i := 0; i < opts.Count; i++ {
		msg := fmt.Sprintf("message %d of %d", i+1, opts.Count)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return report, fmt.Errorf("send message %d: %w", i+1, err)
		}
		report.Sent++

		if err := pace(ctx, opts.Interval); err != nil {
			return report, err
		}
	}

	report.CloseCode = hangUp(conn, opts.Timeout)
	report.Elapsed = time.Since(start)
	return report, nil
}

// consumedRecord is the document the JSON consumer scenario feeds in.
type consumedRecord struct {
	Seq    int    `json:"seq"`
	Note   string `json:"note"`
	SentAt string `json:"sentAt"`
}

// ConsumerJSON feeds the JSON consumer route Count records.
func ConsumerJSON(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "consumer-json", Route: "/consumer/of/json"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/consumer/of/json", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	for i := 0; i < opts.Count; i++ {
		rec := consumedRecord{
			Seq:    i + 1,
			Note:   "exerciser payload",
			SentAt: time.Now().Format(time.RFC3339Nano),
		}
		if err := conn.WriteJSON(rec); err != nil {
			return report, fmt.Errorf("send record %d: %w", i+1, err)
		}
		report.Sent++

		if err := pace(ctx, opts.Interval); err != nil {
			return report, err
		}
	}

	report.CloseCode = hangUp(conn, opts.Timeout)
	report.Elapsed = time.Since(start)
	return report, nil
}

// Producer reads Count messages from the producer route and checks each one
// is an integer in the produced range.
func Producer(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "producer", Route: "/producer"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/producer", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	tail := buffer.NewRing(opts.TailSize)
	for i := 0; i < opts.Count; i++ {
		data, err := readMessage(conn, opts.Timeout)
		if err != nil {
			report.CloseCode = serverCloseCode(err)
			return report, fmt.Errorf("read value %d: %w", i+1, err)
		}
		report.Received++
		tail.Push(string(data))

		n, err := strconv.Atoi(string(data))
		if err != nil {
			return report, fmt.Errorf("value %d is not an integer: %q", i+1, data)
		}
		if n < 0 || n > 1000000 {
			return report, fmt.Errorf("value %d out of range: %d", i+1, n)
		}
	}

	// The producer never reads, so a close frame would sit unread; the
	// deferred Close is what ends the server's loop.
	report.Tail = tailOf(tail)
	report.Elapsed = time.Since(start)
	return report, nil
}

// producedRecord mirrors the JSON producer's document for validation.
type producedRecord struct {
	Int   int    `json:"int"`
	UUID1 string `json:"uuid1"`
	UUID3 string `json:"uuid3"`
	UUID4 string `json:"uuid4"`
	UUID5 string `json:"uuid5"`
}

// validate checks the record carries the full schema.
func (r producedRecord) validate() error {
	if r.Int < 0 || r.Int > 1000000 {
		return fmt.Errorf("int out of range: %d", r.Int)
	}
	for field, value := range map[string]string{
		"uuid1": r.UUID1,
		"uuid3": r.UUID3,
		"uuid4": r.UUID4,
		"uuid5": r.UUID5,
	} {
		if _, err := uuid.Parse(value); err != nil {
			return fmt.Errorf("%s does not parse: %w", field, err)
		}
	}
	return nil
}

// ProducerJSON reads Count records from the JSON producer route and checks
// each one against the produced schema.
func ProducerJSON(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "producer-json", Route: "/producer/of/json"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/producer/of/json", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	tail := buffer.NewRing(opts.TailSize)
	for i := 0; i < opts.Count; i++ {
		data, err := readMessage(conn, opts.Timeout)
		if err != nil {
			report.CloseCode = serverCloseCode(err)
			return report, fmt.Errorf("read record %d: %w", i+1, err)
		}
		report.Received++
		tail.Push(string(data))

		var rec producedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return report, fmt.Errorf("record %d is not JSON: %w", i+1, err)
		}
		if err := rec.validate(); err != nil {
			return report, fmt.Errorf("record %d: %w", i+1, err)
		}
	}

	report.Tail = tailOf(tail)
	report.Elapsed = time.Since(start)
	return report, nil
}

// Timer reads Count timestamps and checks they parse and never go
// backwards.
func Timer(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "timer", Route: "/timer"}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/timer", opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	tail := buffer.NewRing(opts.TailSize)
	var prev time.Time
	for i := 0; i < opts.Count; i++ {
		data, err := readMessage(conn, opts.Timeout)
		if err != nil {
			report.CloseCode = serverCloseCode(err)
			return report, fmt.Errorf("read tick %d: %w", i+1, err)
		}
		report.Received++
		tail.Push(string(data))

		ts, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return report, fmt.Errorf("tick %d is not a timestamp: %q", i+1, data)
		}
		if ts.Before(prev) {
			return report, fmt.Errorf("tick %d went backwards: %s after %s", i+1, ts, prev)
		}
		prev = ts
	}

	report.Tail = tailOf(tail)
	report.Elapsed = time.Since(start)
	return report, nil
}

// Subscribe reads Count feed items for a topic. A topic outside the
// server's allow-list comes back as an invalid-data close before any item.
func Subscribe(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: "subscribe", Route: "/search/subscribe/" + opts.Topic}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+"/search/subscribe/"+opts.Topic, opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	tail := buffer.NewRing(opts.TailSize)
	for i := 0; i < opts.Count; i++ {
		data, err := readMessage(conn, opts.Timeout)
		if err != nil {
			report.CloseCode = serverCloseCode(err)
			report.Elapsed = time.Since(start)
			if report.CloseCode == websocket.CloseInvalidFramePayloadData {
				return report, fmt.Errorf("server rejected topic %q", opts.Topic)
			}
			return report, fmt.Errorf("read item %d: %w", i+1, err)
		}
		report.Received++
		tail.Push(string(data))

		if !json.Valid(data) {
			return report, fmt.Errorf("item %d is not JSON: %q", i+1, data)
		}
	}

	report.Tail = tailOf(tail)
	report.Elapsed = time.Since(start)
	return report, nil
}

// Crypto reads Count quotes from the unmanaged price proxy.
func Crypto(ctx context.Context, opts Options) (*Report, error) {
	return readQuotes(ctx, opts, "crypto", "/crypto/price/")
}

// CryptoManaged reads Count quotes from the managed price proxy, whose
// handshake the server performs before the handler runs.
func CryptoManaged(ctx context.Context, opts Options) (*Report, error) {
	return readQuotes(ctx, opts, "crypto-managed", "/crypto/price/managed/")
}

func readQuotes(ctx context.Context, opts Options, scenario, prefix string) (*Report, error) {
	opts = opts.withDefaults()
	report := &Report{Scenario: scenario, Route: prefix + opts.Symbol}
	start := time.Now()

	conn, err := dial(ctx, opts.BaseURL+prefix+opts.Symbol, opts)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	tail := buffer.NewRing(opts.TailSize)
	for i := 0; i < opts.Count; i++ {
		data, err := readMessage(conn, opts.Timeout)
		if err != nil {
			report.CloseCode = serverCloseCode(err)
			return report, fmt.Errorf("read quote %d: %w", i+1, err)
		}
		report.Received++
		tail.Push(string(data))

		if !json.Valid(data) {
			return report, fmt.Errorf("quote %d is not JSON: %q", i+1, data)
		}
	}

	report.Tail = tailOf(tail)
	report.Elapsed = time.Since(start)
	return report, nil
}
