// Command console runs the session and tenant coordinator behind a local
// JSON API, with a gRPC health service and the identity event feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tenantly.dev/internal/config"
	"tenantly.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = ""
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		demo       bool
		httpAddr   string
	)
	cmd := &cobra.Command{
		Use:           "console",
		Short:         "Run the tenant console session coordinator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if demo {
				cfg.Demo = true
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}
			obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
			obs.Init()
			obs.InitBuildInfo(version, commit)
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default $CONSOLE_CONFIG or ./console.yaml)")
	cmd.Flags().BoolVar(&demo, "demo", false, "serve the in-process demo identity backend")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "override http.addr")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}
