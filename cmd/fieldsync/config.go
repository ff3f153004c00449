package main

import (
	"github.com/spf13/cobra"

	"github.com/sap-alerte/fieldsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example [path]",
	Short: "Write an example config file",
	Long: `Example writes the default configuration to path. The format follows
the extension: .yaml, .json or .toml.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "fieldsync.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.SaveExample(path); err != nil {
			printError("%v", err)
			return err
		}

		if jsonOutput {
			printJSON(map[string]string{"path": path})
			return nil
		}
		printSuccess("Example config written to %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Backend.Token != "" {
			shown.Backend.Token = "********"
		}
		printJSON(shown)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExampleCmd, configShowCmd)
}
