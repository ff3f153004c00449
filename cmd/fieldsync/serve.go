package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sap-alerte/fieldsync/internal/client"
	"github.com/sap-alerte/fieldsync/internal/connectivity"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent",
	Long: `Serve runs the agent: the intercepting proxy pages talk to, the
reachability monitor, the write queue and the sync coordinator.

Pages connect to the listen address. The agent's own routes live under
/_fieldsync and Prometheus metrics under /metrics.`,
	Example: `  fieldsync serve
  fieldsync serve --listen 0.0.0.0:8081 --upstream https://sap.example.org`,
	RunE: runServe,
}

var (
	serveListen   string
	serveUpstream string
)

const shutdownTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "",
		"Listen address (overrides proxy.listen)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "",
		"Application origin (overrides proxy.upstream)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.Proxy.Listen = serveListen
	}
	if serveUpstream != "" {
		cfg.Proxy.Upstream = serveUpstream
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	if err := agent.Start(ctx); err != nil {
		_ = agent.Shutdown(context.Background())
		return fmt.Errorf("start agent: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Proxy.Listen,
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !jsonOutput {
			printInfo("Agent listening on http://%s (upstream %s)", cfg.Proxy.Listen, cfg.UpstreamURL())
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if cfg.Probe.WatchInterfaces {
		g.Go(func() error {
			watcher := connectivity.NewInterfaceWatcher(cfg.Probe.WatchInterval, logger)
			if err := agent.Monitor.WatchNative(gctx, watcher); err != nil {
				// Probing alone still works without link events.
				logger.WithError(err).Warn("Network interface watch unavailable")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if !jsonOutput {
			printWarning("Shutting down...")
		}

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := agent.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		printError("%v", err)
		return err
	}
	return nil
}
