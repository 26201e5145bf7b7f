package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/centerfuze/opentext-service/internal/config"
	"github.com/centerfuze/opentext-service/internal/observability"
	"github.com/centerfuze/opentext-service/internal/output"
)

var (
	configInitPath  string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Long: `Print the configuration that serve would run with: built-in defaults
merged with the optional config file and OPENTEXT_* environment
variables. Credentials are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
		}

		fmt.Println(output.ConfigTable(cfg.Redacted()))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file with the default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !configInitForce {
			if _, err := os.Stat(configInitPath); err == nil {
				ExitWithCode(observability.CLILogger, foundry.ExitFailure,
					fmt.Sprintf("Refusing to overwrite %s (use --force)", configInitPath), nil)
			}
		}

		data, err := config.DefaultYAML()
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to render default configuration", err)
		}

		if err := os.WriteFile(configInitPath, data, 0o644); err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitFailure,
				fmt.Sprintf("Failed to write %s", configInitPath), err)
		}

		fmt.Printf("Wrote %s\n", configInitPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVarP(&configInitPath, "output", "o", "config.yaml", "path to write the config file")
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
}
