package main

import (
	"github.com/danmuck/pipeline/internal/broker"
	"github.com/danmuck/pipeline/internal/events"
	"github.com/danmuck/pipeline/internal/logging"
	"github.com/spf13/cobra"
)

func newServerCmd(root *rootOptions) *cobra.Command {
	var (
		metricsAddr string
		policy      string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the broker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Broker.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("exec-policy") {
				p, err := broker.ParseExecPolicy(policy)
				if err != nil {
					return err
				}
				cfg.Broker.ExecPolicy = p
			}

			var sink events.Sink = events.NopSink{}
			if cfg.NATSURL != "" {
				nats, err := events.NewNATSSink(cfg.NATSURL, cfg.NATSSubjectPrefix, logging.Component("events"))
				if err != nil {
					return err
				}
				sink = nats
			}
			defer sink.Close()

			return broker.New(cfg.Broker, broker.WithSink(sink)).RunContext(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&policy, "exec-policy", "", "serial or concurrent")
	return cmd
}
