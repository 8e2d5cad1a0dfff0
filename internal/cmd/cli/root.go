// Package cli contains the Cobra commands of the replyflow operator CLI. The
// commands read responses the way a polling caller would: straight from the
// Redis response sink.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/drblury/replyflow/internal/runtime/config"
	redissink "github.com/drblury/replyflow/sink/redis"
)

type options struct {
	configPath string
	redisAddrs []string
}

// NewRootCommand constructs the replyflow root command and its subcommands.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "replyflow",
		Short:         "Inspect replyflow responses",
		Long:          "replyflow derives response addresses and reads or awaits the responses listeners stored for them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (REPLYFLOW_* environment variables always apply)")
	root.PersistentFlags().StringSliceVar(&opts.redisAddrs, "redis", nil, "Redis addresses, overrides the configured ones")

	root.AddCommand(
		newAddressCommand(),
		newGetCommand(opts),
		newAwaitCommand(opts),
		newListenersCommand(),
	)
	return root
}

// openSink returns a Redis sink for the configured response store. The caller
// closes the returned client.
func (o *options) openSink() (*redissink.Sink, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if len(o.redisAddrs) > 0 {
		cfg.RedisAddrs = o.redisAddrs
	}
	return redissink.NewFromAddrs(cfg.RedisAddrs, cfg.RedisUsername, cfg.RedisPassword, cfg.RedisDB), nil
}
