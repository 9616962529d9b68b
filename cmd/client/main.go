// Command wsclient exercises the WebSocket pattern endpoints end to end,
// one scenario per route.
//
//	wsclient -url ws://localhost:8080 -n 1000 ping-pong
//	wsclient -topic games -n 5 subscribe
//	wsclient -sym BTC -n 3 crypto-managed
//
// Each scenario opens a connection to the configured base URL plus the
// route path, runs the conversation that route expects (send pings and
// await pongs, consume produced values, read proxied quotes, ...) and
// prints a summary with a tail of the most recent messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/duplexlab/wspatterns/internal/exercise"
)

var (
	baseURL  = flag.String("url", "ws://localhost:8080", "server base URL (ws:// or http://)")
	count    = flag.Int("n", 10, "messages to exchange where the scenario repeats")
	topic    = flag.String("topic", "games", "topic for the subscribe scenario")
	symbol   = flag.String("sym", "BTC", "ticker symbol for the crypto scenarios")
	interval = flag.Duration("interval", 100*time.Millisecond, "send pacing for the consumer scenarios")
	timeout  = flag.Duration("timeout", 30*time.Second, "per-message receive timeout")
	tailSize = flag.Int("tail", 8, "received messages to keep for the summary")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <scenario>\n\nScenarios:\n  %s\n\nFlags:\n",
		os.Args[0], strings.Join(exercise.Names(), "\n  "))
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	name := flag.Arg(0)
	if name == "" {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := exercise.Options{
		BaseURL:  *baseURL,
		Count:    *count,
		Topic:    *topic,
		Symbol:   *symbol,
		Interval: *interval,
		Timeout:  *timeout,
		TailSize: *tailSize,
	}

	report, err := exercise.Run(ctx, name, opts)
	if report != nil {
		log.Println(report)
		for _, msg := range report.Tail {
			log.Printf("  tail: %s", truncate(msg, 120))
		}
	}
	if err != nil {
		log.Fatalf("Scenario %s failed: %v", name, err)
	}
}

// truncate shortens long payloads so quote and feed tails stay one line.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
