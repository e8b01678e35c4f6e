package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stagehand/cmd/stagehand/cmdutil"
	ensemblecmd "stagehand/cmd/stagehand/ensemble"
	historycmd "stagehand/cmd/stagehand/history"
	lockcmd "stagehand/cmd/stagehand/lock"
	shardcmd "stagehand/cmd/stagehand/shard"
	"stagehand/cmd/stagehand/ui"
	upgradecmd "stagehand/cmd/stagehand/upgrade"
	"stagehand/config"
	"stagehand/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var (
		debug         bool
		configPath    string
		noInteraction bool
		cfg           *config.Config
	)
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Rolling upgrades for replicated shards, coordination ensembles and services",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdutil.LoadEnv(); err != nil {
				return err
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded

			level := cfg.Log.Level
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, cfg.Log.Format); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/stagehand/config.yaml)")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Print plain progress lines instead of redrawing")

	open := func() (*cmdutil.Session, error) {
		if cfg == nil {
			return nil, fmt.Errorf("config not loaded")
		}
		return cmdutil.Open(cfg), nil
	}

	root.AddCommand(upgradecmd.Cmd(open))
	root.AddCommand(shardcmd.Cmd(open))
	root.AddCommand(ensemblecmd.Cmd(open))
	root.AddCommand(lockcmd.Cmd(open))
	root.AddCommand(historycmd.Cmd(open))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
