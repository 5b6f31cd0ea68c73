// Command publish is a development tool that appends events to a room's
// durable log, the same way an upstream producer would.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/broker"
	"github.com/zetsuchan/angstromscd-realtime/internal/config"
)

func main() {
	roomID := flag.String("room", "", "Room id to publish into")
	body := flag.String("body", "", "Event body (or use stdin)")
	count := flag.Int("count", 1, "Number of copies to publish")
	flag.Parse()

	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "Usage: publish -room <room-id> [-body <json>] [-count <n>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	cfg := config.Load()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	payload := []byte(*body)
	if *body == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read body")
		}
		payload = data
	}

	js, err := broker.Connect(broker.Config{
		URL:            cfg.NATSURL,
		EventsPrefix:   cfg.EventsPrefix,
		PresencePrefix: cfg.PresencePrefix,
		StreamName:     cfg.StreamName,
		MaxPerSubject:  cfg.MaxPerSubject,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker connection failed")
	}
	defer js.Drain()

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < *count; i++ {
		eventID := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
		event := []byte(fmt.Sprintf(`{"id":%q,"payload":%s}`, eventID, payload))

		seq, err := js.Publish(ctx, *roomID, event)
		if err != nil {
			logger.Fatal().Err(err).Msg("publish failed")
		}
		fmt.Printf("room=%s seq=%d id=%s\n", *roomID, seq, eventID)
	}
}
