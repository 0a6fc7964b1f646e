// Command occamyclient joins a single Phoenix Channels topic and prints
// every frame it receives for the events named as positional arguments.
//
//	occamyclient -endpoint ws://localhost:4000/socket -topic rooms:lobby new_msg user_joined
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sotte/occamy-go"
)

func main() {
	endpoint := flag.String("endpoint", "ws://localhost:4000/socket", "Phoenix socket endpoint, without /websocket")
	topic := flag.String("topic", "rooms:lobby", "channel topic to join")
	token := flag.String("token", "", "optional auth token sent as a query param")
	timeout := flag.Duration("timeout", occamy.DefaultTimeout, "per-push timeout")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	params := url.Values{}
	if *token != "" {
		params.Set("token", *token)
	}

	errs := make(chan error, 8)
	sock := occamy.NewSocket(*endpoint,
		occamy.WithParams(params),
		occamy.WithLogger(logger),
		occamy.WithErrors(errs),
	)

	if err := sock.Connect(); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer sock.Disconnect(1000, "occamyclient exiting")

	ch := sock.Channel(*topic, nil)
	for _, event := range flag.Args() {
		event := event
		ch.On(event, func(payload json.RawMessage, _ *string) {
			fmt.Printf("%s %s %s\n", *topic, event, string(payload))
		})
	}

	push, err := ch.Join(*timeout)
	if err != nil {
		logger.Error("join failed", "error", err)
		os.Exit(1)
	}
	push.Receive(occamy.StatusOK, func(json.RawMessage) {
		logger.Info("joined", "topic", *topic)
	})
	push.Receive(occamy.StatusError, func(resp json.RawMessage) {
		logger.Error("join rejected", "topic", *topic, "response", string(resp))
	})
	push.Receive(occamy.StatusTimeout, func(json.RawMessage) {
		logger.Error("join timed out", "topic", *topic)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			return
		case err := <-errs:
			logger.Warn("transport error", "error", err)
		case <-time.After(time.Hour):
			// Periodically wake so a long-idle process still notices a
			// shutdown signal promptly in environments that buffer it.
		}
	}
}
