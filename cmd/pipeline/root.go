package main

import (
	"context"
	"time"

	"github.com/danmuck/pipeline/internal/client"
	"github.com/danmuck/pipeline/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	addr       string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Route messages and remote commands between named terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/"+defaultConfigRel+")")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "broker address (overrides config addr)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newServerCmd(opts),
		newAttachCmd(opts),
		newSendCmd(opts),
		newExecCmd(opts),
		newListCmd(opts),
	)
	return root
}

// load resolves the config file and applies --addr.
func (o *rootOptions) load(cmd *cobra.Command) (appConfig, error) {
	path, explicit := o.configPath, true
	if path == "" {
		path, explicit = defaultConfigPath(), false
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return appConfig{}, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Broker.ListenAddr = o.addr
	}
	return cfg, nil
}

// dial connects to the configured broker.
func (o *rootOptions) dial(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	ccfg := client.DefaultConfig()
	ccfg.Address = cfg.Broker.ListenAddr
	ccfg.Session = cfg.Broker.Session
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return client.Dial(ctx, ccfg)
}

func (o *rootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}
