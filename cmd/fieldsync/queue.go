package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sap-alerte/fieldsync/internal/client"
	"github.com/sap-alerte/fieldsync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collectes waiting for delivery",
	RunE:  runQueueList,
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count collectes waiting for delivery",
	RunE:  runQueueCount,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <json|->",
	Short: "Queue a collecte payload",
	Example: `  fieldsync queue add '{"produit":"mil","marche":"Dori","prix":250}'
  cat collecte.json | fieldsync queue add -`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueAdd,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-arm a collecte that reached the retry limit",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete synced records older than the retention window",
	RunE:  runQueuePurge,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued collecte and request record",
	RunE:  runQueueClear,
}

var (
	purgeDays  int
	clearForce bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueCountCmd, queueAddCmd, queueRetryCmd, queuePurgeCmd, queueClearCmd)

	queuePurgeCmd.Flags().IntVar(&purgeDays, "days", 0,
		"Retention in days (default sync.retention_days)")
	queueClearCmd.Flags().BoolVar(&clearForce, "force", false,
		"Confirm deletion of unsynced collectes")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		items, err := c.Queue.ListPending(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			if items == nil {
				items = []*models.QueuedMutation{}
			}
			printJSON(items)
			return nil
		}

		if len(items) == 0 {
			printSuccess("Aucune collecte en attente")
			return nil
		}

		maxRetries := c.Queue.MaxRetries()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENQUEUED\tRETRIES\tLAST ERROR\tPAYLOAD")
		for _, item := range items {
			retries := strconv.Itoa(item.RetryCount)
			if item.Exhausted(maxRetries) {
				retries = color.RedString("%d (bloquée)", item.RetryCount)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				item.ID,
				item.EnqueuedAt.Local().Format(time.DateTime),
				retries,
				truncate(item.LastError, 40),
				truncate(string(item.Payload), 60),
			)
		}
		w.Flush()

		printer.Printf("\n%d collecte(s) en attente\n", len(items))
		return nil
	})
}

func runQueueCount(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		n, err := c.Queue.CountPending(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]int{"pending": n})
			return nil
		}
		printer.Printf("%d\n", n)
		return nil
	})
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	payload := []byte(args[0])
	if args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = data
	}

	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		id, err := c.Queue.Enqueue(ctx, json.RawMessage(strings.TrimSpace(string(payload))))
		if err != nil {
			if errors.Is(err, models.ErrInvalidPayload) {
				printError("payload must be a JSON document")
			}
			return err
		}

		if jsonOutput {
			printJSON(map[string]int64{"id": id})
			return nil
		}
		printSuccess("Collecte %d mise en file", id)
		return nil
	})
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}

	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		if err := c.Queue.ResetRetries(ctx, id); err != nil {
			if errors.Is(err, models.ErrMutationNotFound) {
				printError("collecte %d not found", id)
			}
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"id": id, "retry_count": 0})
			return nil
		}
		printSuccess("Collecte %d réarmée", id)
		return nil
	})
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	days := purgeDays
	if days <= 0 {
		days = cfg.Sync.RetentionDays
	}

	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		n, err := c.Queue.PurgeSyncedOlderThan(ctx, days)
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]int{"deleted": n, "days": days})
			return nil
		}
		printer.Printf("%d enregistrement(s) supprimé(s), plus vieux que %d jours\n", n, days)
		return nil
	})
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
		n, err := c.Queue.CountPending(ctx)
		if err != nil {
			return err
		}
		if n > 0 && !clearForce {
			printWarning("%s collecte(s) not yet delivered; rerun with --force to delete them", printer.Sprintf("%d", n))
			return errors.New("refusing to clear unsynced collectes")
		}

		if err := c.Queue.ClearAll(ctx); err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"cleared": true, "discarded": n})
			return nil
		}
		printSuccess("File vidée")
		return nil
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
