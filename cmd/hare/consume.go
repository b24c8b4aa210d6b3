package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	hare "github.com/glimte/hare-go"
	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/health"
	"github.com/glimte/hare-go/internal/logging"
	"github.com/glimte/hare-go/internal/registry"
)

func newConsumeCmd(g *globals) *cobra.Command {
	var (
		exchange string
		keys     []string
		declare  string
		fanout   bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages routed to one or more bindings",
		Long: `Binds a server-named queue per routing key on the exchange and prints
every delivery until interrupted.`,
		Example: `  hare consume --exchange orders --key created --key cancelled
  hare consume --exchange events --declare fanout --fanout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if exchange == "" {
				return errors.New("--exchange is required")
			}
			cfg, err := g.settings()
			if err != nil {
				return err
			}
			if fanout {
				cfg.Engine.DispatchMode = registry.DispatchFanOut.String()
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

			options, err := clientOptions(cfg, logger, srv.recorder)
			if err != nil {
				return err
			}
			client, err := hare.NewClient(cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.Username, cfg.Broker.Password, options...)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			if declare != "" {
				if err := client.Producer().DeclareExchange(exchange, declare); err != nil {
					return err
				}
				if err := client.Producer().Start(); err != nil {
					return err
				}
			}

			consumer := client.Consumer()
			for _, key := range keys {
				if err := consumer.Subscribe(exchange, key, printer(exchange, key)); err != nil {
					return fmt.Errorf("failed to subscribe %s/%s: %w", exchange, key, err)
				}
			}
			checkers := []health.Checker{health.NewConsumerChecker("consumer", consumer)}
			if declare != "" {
				checkers = append(checkers, health.NewProducerChecker("producer", client.Producer(), 0))
			}
			srv.watch(ctx, checkers...)

			if err := consumer.Start(); err != nil {
				return err
			}

			color.New(color.FgGreen).Printf("Consuming from %s %v... Press Ctrl+C to stop\n", exchange, keys)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange to bind to")
	cmd.Flags().StringArrayVarP(&keys, "key", "k", []string{""}, "Routing key, repeatable")
	cmd.Flags().StringVar(&declare, "declare", "", "Declare the exchange first with this kind (direct, fanout, topic, headers)")
	cmd.Flags().BoolVar(&fanout, "fanout", false, "Dispatch callbacks on worker goroutines")

	return cmd
}

// printer returns a callback writing each delivery on one line
func printer(exchange, key string) hare.Callback {
	label := color.New(color.FgCyan).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	return func(msg contracts.Message) {
		stamp := "-"
		if msg.HasTimestamp() {
			stamp = time.UnixMicro(int64(msg.Timestamp())).Format(time.RFC3339Nano)
		}
		fmt.Printf("%s %s %s\n", label(exchange+"/"+key), dim(stamp), msg.String())
		if msg.HasCorrelationID() {
			fmt.Printf("  %s %s\n", dim("correlation:"), msg.CorrelationID())
		}
	}
}
