package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/app"
	"github.com/taku10101/playwright-secretary/internal/config"
	"github.com/taku10101/playwright-secretary/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "secretary:", err)
		os.Exit(1)
	}
}

type cli struct {
	configFile string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "secretary",
		Short:         "Store, match and run browser action patterns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override SECRETARY_LOG_LEVEL")

	root.AddCommand(
		c.newPatternsCommand(),
		c.newMatchCommand(),
		c.newRunCommand(),
		c.newDiscoverCommand(),
		c.newStatsCommand(),
	)
	return root
}

// withApp builds the application for one command and closes it afterwards.
// Commands that never touch a page pass browser=false so no Chrome starts.
func (c *cli) withApp(cmd *cobra.Command, browser bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	a, err := app.Build(ctx, cfg, logger, app.Options{WithBrowser: browser})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
