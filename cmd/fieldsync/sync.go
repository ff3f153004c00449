package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/sap-alerte/fieldsync/internal/client"
	"github.com/sap-alerte/fieldsync/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued collectes to the backend",
	Long: `Sync probes the backend and, when it answers, delivers every queued
collecte in order. Failed items stay queued with their retry count
incremented. Items at the retry limit are skipped until re-armed with
"fieldsync queue retry".`,
	RunE: runSync,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether the backend is reachable",
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(syncCmd, probeCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			printWarning("\nSync interrupted, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return withClient(ctx, func(ctx context.Context, c *client.Client) error {
		if !c.Monitor.ProbeOnce(ctx) {
			if jsonOutput {
				printJSON(map[string]interface{}{"success": false, "error": models.ErrOffline.Error()})
			} else {
				printError("backend unreachable at %s, collectes stay queued", cfg.Backend.BaseURL)
			}
			return models.ErrOffline
		}

		if !jsonOutput {
			c.Queue.Subscribe(func(ev models.SyncEvent) {
				if ev.Type == models.SyncEventExhausted {
					printWarning("  collecte %d held back: %s", ev.MutationID, ev.Err)
				}
			})
		}

		start := time.Now()
		result, err := c.Sync.SyncNow(ctx)
		duration := time.Since(start)

		if jsonOutput {
			out := map[string]interface{}{
				"success":  err == nil && result.Failed == 0,
				"result":   result,
				"duration": duration.String(),
			}
			if err != nil {
				out["error"] = err.Error()
			}
			printJSON(out)
			return err
		}

		if err != nil {
			if errors.Is(err, models.ErrSyncInProgress) {
				printWarning("A sync is already running")
			}
			return err
		}

		pending, _ := c.Queue.CountPending(ctx)

		fmt.Printf("\n📊 Sync Summary:\n")
		printer.Printf("   Envoyées:   %d\n", result.Synced)
		printer.Printf("   Échecs:     %d\n", result.Failed)
		printer.Printf("   Bloquées:   %d\n", result.Exhausted)
		printer.Printf("   En attente: %d\n", pending)
		fmt.Printf("   Duration: %s\n", duration.Round(time.Millisecond))

		if result.Failed > 0 {
			printWarning("\n⚠️  Some collectes failed and stay queued")
			return nil
		}
		printSuccess("\n✅ Sync completed successfully!")
		return nil
	})
}

func runProbe(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		online := c.Monitor.ProbeOnce(ctx)
		state := c.Monitor.State()

		if jsonOutput {
			printJSON(map[string]interface{}{
				"online":  online,
				"backend": cfg.Backend.BaseURL + cfg.Backend.HealthPath,
				"state":   state,
			})
			return nil
		}

		fmt.Printf("%s%s: %s\n", cfg.Backend.BaseURL, cfg.Backend.HealthPath, onlineLabel(online))
		return nil
	})
}
