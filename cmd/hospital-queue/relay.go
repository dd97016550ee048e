package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qms/hospital-queue/internal/announce"
	"qms/hospital-queue/internal/cache"
)

// relayCmd runs the announcement relay without the HTTP surface, for
// deployments that scale the API separately.
func relayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Relay queue events to AMQP and the view cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var sinks []announce.Sink
			if a.cfg.RedisURL != "" {
				client, err := cache.Connect(ctx, a.cfg.RedisURL)
				if err != nil {
					return err
				}
				defer client.Close()
				sinks = append(sinks, cache.New(client, a.cfg.CacheTTL, a.logger))
			}
			if a.cfg.AMQPURL != "" {
				publisher := announce.NewPublisher(a.cfg.AMQPURL, a.cfg.AnnounceExchange, a.logger)
				defer publisher.Close()
				sinks = append(sinks, publisher)
			}
			if len(sinks) == 0 {
				a.logger.Warn("relay has no sinks configured; set AMQP_URL or REDIS_URL")
			}

			return announce.NewRelay(a.tickets, announce.RelayOptions{
				Interval:  a.cfg.RelayInterval,
				BatchSize: a.cfg.RelayBatchSize,
				Logger:    a.logger,
			}, sinks...).Run(ctx)
		},
	}
}
