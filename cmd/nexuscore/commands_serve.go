package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexuscore/nexuscore/internal/observability"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to configured relays and run every agent's Reasoning-and-Action Loop",
		Long: `Start the engine:

1. Load the project configuration and agent roster
2. Open the conversation store and connect to the configured relays
3. Route every inbound event to the matching agent's RAL, spawning or
   resuming as needed
4. Publish a status heartbeat for each agent on a cron schedule

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9477", "Address to serve Prometheus metrics on (empty disables)")
	return cmd
}

func runServe(ctx context.Context, configPath, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(configPath)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		reg := observability.NewRegistry()
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			_ = srv.ListenAndServe()
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	return eng.start(ctx)
}
