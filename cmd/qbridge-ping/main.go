// qbridge-ping is a smoke test for a running broker: it starts a worker
// with a single echo handler, sends itself a request through the work
// queue and prints the round-trip time.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaymesh/qbridge"
)

type pingPayload struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

func main() {
	var (
		message = flag.String("message", "ping", "message to echo through the bridge")
		count   = flag.Int("count", 1, "number of round trips")
		timeout = flag.Duration("timeout", 10*time.Second, "per-request timeout")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *message, *count, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "qbridge-ping:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, message string, count int, timeout time.Duration) error {
	cfg, err := qbridge.FromEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := qbridge.NewClient(ctx, cfg, qbridge.WithClientLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.HandleFunc("ping.echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		payload, err := json.Marshal(pingPayload{Message: message, SentAt: time.Now()})
		if err != nil {
			return err
		}

		start := time.Now()
		data, err := client.Send(context.Background(), "ping.echo", payload, timeout)
		if err != nil {
			return fmt.Errorf("round trip %d: %w", i+1, err)
		}

		var echoed pingPayload
		if err := json.Unmarshal(data, &echoed); err != nil {
			return fmt.Errorf("round trip %d: bad echo: %w", i+1, err)
		}

		fmt.Printf("reply %d/%d: %q in %s\n", i+1, count, echoed.Message, time.Since(start).Round(time.Microsecond))
	}

	return nil
}
