package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sap-alerte/fieldsync/internal/client"
	"github.com/sap-alerte/fieldsync/internal/config"
	"github.com/sap-alerte/fieldsync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger

	// Counts are shown the way field agents read them.
	printer = message.NewPrinter(language.French)
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline sync agent for field price collection",
	Long: `fieldsync keeps field collection usable without a network.

It watches backend reachability, stores collectes in a durable local
queue while offline, serves the application from local caches and
delivers the queue once the backend answers again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default ./fieldsync.yaml or ~/.config/fieldsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Annotations["skipConfig"] == "true" {
		return nil
	}

	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		printError("%v", err)
		return err
	}
	cfg = loaded

	if verbose {
		cfg.Log.Level = "debug"
	}
	if jsonOutput {
		cfg.Log.Color = false
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		printError("%v", err)
		return err
	}
	events.SetDefault(logger)

	return nil
}

// withClient builds the agent services for a one-shot command and shuts
// them down afterwards.
func withClient(ctx context.Context, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := c.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Shutdown failed")
		}
	}()

	if err := c.Queue.Initialize(ctx); err != nil {
		return fmt.Errorf("open write queue: %w", err)
	}

	return fn(ctx, c)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func onlineLabel(online bool) string {
	if online {
		return color.GreenString("en ligne")
	}
	return color.RedString("hors ligne")
}
