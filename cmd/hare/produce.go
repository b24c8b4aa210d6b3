package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	hare "github.com/glimte/hare-go"
	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/health"
	"github.com/glimte/hare-go/internal/logging"
)

func newProduceCmd(g *globals) *cobra.Command {
	var (
		exchange    string
		key         string
		declare     string
		correlation bool
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "produce [messages...]",
		Short: "Publish messages to an exchange",
		Long: `Publishes each argument as one message. Without arguments every line
read from stdin is published.`,
		Example: `  hare produce --exchange orders --key created '{"id":1}'
  tail -f events.log | hare produce --exchange events --declare fanout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if exchange == "" {
				return errors.New("--exchange is required")
			}
			cfg, err := g.settings()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			logger = logging.Component(logger, "cli")

			ctx, stop := signalContext()
			defer stop()

			srv, err := startServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer srv.shutdown()

			outcome := newTally(srv.recorder)
			options, err := clientOptions(cfg, logger, outcome)
			if err != nil {
				return err
			}
			producer := hare.NewProducer(options...)
			if err := producer.Initialize(cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.Username, cfg.Broker.Password); err != nil {
				return fmt.Errorf("failed to initialize producer: %w", err)
			}
			defer producer.Close()

			if declare != "" {
				if err := producer.DeclareExchange(exchange, declare); err != nil {
					return err
				}
			}
			srv.watch(ctx, health.NewProducerChecker("producer", producer, queueThreshold))

			if err := producer.Start(); err != nil {
				return err
			}

			send := func(body string) error {
				msg := contracts.NewStringMessage(body)
				if correlation {
					msg.SetCorrelationID(contracts.NewCorrelationID())
				}
				return producer.SendTo(exchange, key, msg)
			}

			sent := 0
			if len(args) > 0 {
				for _, body := range args {
					if err := send(body); err != nil {
						return err
					}
					sent++
				}
			} else {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if ctx.Err() != nil {
						break
					}
					if err := send(scanner.Text()); err != nil {
						return err
					}
					sent++
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
			}

			if err := drain(ctx, producer, wait); err != nil {
				return err
			}
			return report(sent, exchange, outcome)
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange to publish to")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Routing key")
	cmd.Flags().StringVar(&declare, "declare", "", "Declare the exchange first with this kind (direct, fanout, topic, headers)")
	cmd.Flags().BoolVar(&correlation, "correlation-id", false, "Stamp each message with a fresh correlation id")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for the queue to drain")

	return cmd
}

// queueThreshold is the outbound depth reported as degraded
const queueThreshold = 1000

// report prints how many messages reached the broker and fails when any
// were dropped after a broker failure
func report(sent int, exchange string, outcome *tally) error {
	published, dropped := outcome.published.Load(), outcome.dropped.Load()
	if dropped > 0 || published < int64(sent) {
		color.New(color.FgYellow).Printf("Published %d of %d message(s) to %s\n", published, sent, exchange)
		return fmt.Errorf("%d message(s) dropped after a broker failure", int64(sent)-published)
	}
	color.New(color.FgGreen).Printf("Published %d message(s) to %s\n", published, exchange)
	return nil
}

// drain waits until every queued message has been published
func drain(ctx context.Context, producer *hare.Producer, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for producer.QueueSize() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d message(s) still queued: %w", producer.QueueSize(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
