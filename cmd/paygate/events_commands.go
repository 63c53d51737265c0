package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/nimbuschat/paygate/service/nats"
)

// tailEventsCommand streams payment events from NATS JetStream.
func tailEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream payment events",
		Description: `Stream real-time payment events published to NATS JetStream.

Events are published to subjects: payments.{event_type}
Event types: verification_failed, verification_completed, payment_verified, payment_failed

Filters written in jq run against each event; only events for which every
filter evaluates to true are printed.

Example:
  paygate events tail --type payment_verified --must-jq '.tier == "pro"' --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Event type to subscribe to (default: all)",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "paygate-cli",
			},
		},
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			subject := natspkg.StreamSubjects
			if eventType := c.String("type"); eventType != "" {
				subject = "payments." + eventType
			}

			// Compile jq filters
			jqFilters := c.StringSlice("must-jq")
			compiledJQFilters := make([]*gojq.Code, len(jqFilters))
			for i, filter := range jqFilters {
				query, err := gojq.Parse(filter)
				if err != nil {
					return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
				}
				compiledJQFilters[i], err = gojq.Compile(query)
				if err != nil {
					return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
				}
			}

			// Connect to NATS
			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "  NATS: %s\n", natsURL)
				for _, filter := range jqFilters {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", filter)
				}
				fmt.Fprintf(os.Stderr, "\nWaiting for events... (Ctrl-C to exit)\n\n")
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			// Setup signal handling for graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			msgChan := make(chan jetstream.Msg, 10)
			go func() {
				_, _ = cons.Consume(func(msg jetstream.Msg) {
					msgChan <- msg
				})
			}()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event natspkg.PaymentEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}

					if !matchesFilters(msg.Data(), compiledJQFilters) {
						msg.Ack()
						continue
					}

					count++
					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Println(string(data))
					} else {
						printEvent(&event, count)
					}

					msg.Ack()

				case <-sigChan:
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\nReceived %d event(s)\n", count)
					}
					return nil
				}
			}
		},
	}
}

// matchesFilters reports whether the raw event JSON satisfies every compiled
// jq filter.
func matchesFilters(raw []byte, filters []*gojq.Code) bool {
	if len(filters) == 0 {
		return true
	}

	var eventJSON interface{}
	if err := json.Unmarshal(raw, &eventJSON); err != nil {
		return false
	}

	for _, code := range filters {
		iter := code.Run(eventJSON)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

func printEvent(event *natspkg.PaymentEvent, n int) {
	fmt.Printf("Event #%d: %s (%s)\n", n, event.EventType, event.Severity)
	fmt.Printf("  Time:      %s\n", event.Timestamp.Format(time.RFC3339))
	if event.Signature != "" {
		fmt.Printf("  Signature: %s\n", event.Signature)
	}
	if event.Tier != "" {
		fmt.Printf("  Tier:      %s\n", event.Tier)
	}
	if event.WalletAddress != "" {
		fmt.Printf("  Wallet:    %s\n", event.WalletAddress)
	}
	if event.AmountLamports != 0 {
		fmt.Printf("  Amount:    %d lamports\n", event.AmountLamports)
	}
	if event.PaymentID != "" {
		fmt.Printf("  Payment:   %s\n", event.PaymentID)
	}
	if event.Category != "" {
		fmt.Printf("  Category:  %s\n", event.Category)
	}
	if event.ElapsedMs != 0 {
		fmt.Printf("  Elapsed:   %dms\n", event.ElapsedMs)
	}
	fmt.Println()
}
