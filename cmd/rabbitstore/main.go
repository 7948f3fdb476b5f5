package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/brokerkit/rabbitstore"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rabbitstore",
		Short: "Work with RabbitMQ queues through a self-healing connection",
		Long: `rabbitstore is a CLI for interacting with RabbitMQ queues.
All commands connect lazily and recover from broker restarts with backoff.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags. Unset values fall back to the RABBITMQ_* environment
	// variables.
	var (
		host     string
		port     int
		vhost    string
		username string
		password string
		label    string
	)

	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "", "Broker host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Broker port")
	rootCmd.PersistentFlags().StringVar(&vhost, "vhost", "", "Virtual host")
	rootCmd.PersistentFlags().StringVarP(&username, "user", "u", "", "Username")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Password")
	rootCmd.PersistentFlags().StringVarP(&label, "label", "l", "rabbitstore-cli", "Connection label shown in the management UI")

	newStore := func() *rabbitstore.Store {
		return rabbitstore.New(
			rabbitstore.WithEndpoint(rabbitstore.Endpoint{
				Host:        host,
				Port:        port,
				VirtualHost: vhost,
				Username:    username,
				Password:    password,
			}),
			rabbitstore.WithClientLabel(label),
			rabbitstore.WithMaxConnectAttempts(3),
		)
	}

	// Queue command
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Declare and inspect queues",
	}

	var durable bool
	queueDeclareCmd := &cobra.Command{
		Use:   "declare <queue-name>",
		Short: "Declare a queue, creating it if missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore()
			defer store.Shutdown()

			q, err := store.DeclareQueue(context.Background(), args[0], durable, nil)
			if err != nil {
				return fmt.Errorf("failed to declare queue: %w", err)
			}

			fmt.Printf("Queue %s ready (%d messages waiting)\n", q.Name, q.Messages)
			return nil
		},
	}
	queueDeclareCmd.Flags().BoolVarP(&durable, "durable", "d", true, "Survive broker restarts")

	queueCountCmd := &cobra.Command{
		Use:   "count <queue-name>",
		Short: "Show how many messages are waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore()
			defer store.Shutdown()

			n, err := store.MessageCount(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to count messages: %w", err)
			}

			fmt.Printf("%s: %d messages\n", args[0], n)
			return nil
		},
	}

	queuePurgeCmd := &cobra.Command{
		Use:   "purge <queue-name>",
		Short: "Remove all messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore()
			defer store.Shutdown()

			if err := store.Purge(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to purge queue: %w", err)
			}

			fmt.Printf("Purged %s\n", args[0])
			return nil
		},
	}

	queueCmd.AddCommand(queueDeclareCmd, queueCountCmd, queuePurgeCmd)

	// Send command
	sendCmd := &cobra.Command{
		Use:   "send <queue-name> <body>",
		Short: "Publish a message to a queue",
		Long:  "Publish a message to a queue via the default exchange, retrying on transient broker failures.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore()
			defer store.Shutdown()

			if _, err := store.Send(context.Background(), args[0], []byte(args[1])); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}

			fmt.Printf("Sent %d bytes to %s\n", len(args[1]), args[0])
			return nil
		},
	}

	// Consume command
	var prefetch int
	var limit int
	consumeCmd := &cobra.Command{
		Use:   "consume <queue-name>",
		Short: "Print messages from a queue as they arrive",
		Long: `Consume messages from a queue and print them to stdout.
The loop survives broker restarts. Press Ctrl+C to stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			store := newStore()
			defer store.Shutdown()

			go func() {
				<-sigChan
				store.Stop()
			}()

			fmt.Println("Consuming... Press Ctrl+C to stop")
			fmt.Println(strings.Repeat("-", 60))

			seen := 0
			handler := func(ctx context.Context, d amqp.Delivery) error {
				printDelivery(d)
				if err := d.Ack(false); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					return rabbitstore.ErrStopConsuming
				}
				return nil
			}

			return store.StartConsuming(ctx, args[0], handler, prefetch)
		},
	}
	consumeCmd.Flags().IntVarP(&prefetch, "prefetch", "n", 1, "Unacknowledged message window")
	consumeCmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many messages (0 = unlimited)")

	rootCmd.AddCommand(queueCmd, sendCmd, consumeCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func printDelivery(d amqp.Delivery) {
	fmt.Printf("Message %s\n", d.MessageId)
	if d.AppId != "" {
		fmt.Printf("  From: %s\n", d.AppId)
	}
	if d.Redelivered {
		fmt.Printf("  Redelivered: true\n")
	}
	if sc := rabbitstore.SpanContextFromDelivery(d); sc.IsValid() {
		fmt.Printf("  Trace: %s\n", sc.TraceID())
	}
	fmt.Printf("  Body: %s\n", truncate(string(d.Body), 200))
	fmt.Println(strings.Repeat("-", 60))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
