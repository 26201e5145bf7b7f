// Package cmd contains the CLI surface: serve, config, and version.
package cmd

import (
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"

	"github.com/centerfuze/opentext-service/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "opentext-service",
	Short: "NATS-fronted mediator for the OpenText account and usage API",
	Long: `opentext-service mediates access to the rate-limited OpenText API
for other CenterFuze services. It answers request/reply subjects on the
bus, caches upstream results, and adapts its request rate to upstream
throttling.

Use the subcommands to perform specific operations.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early so config loading cannot emit metrics
	// to stdout. Serve mode initializes proper telemetry later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(func() {
		observability.InitCLILogger("opentext-service", verbose)
	})

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; defaults and OPENTEXT_* env apply without one)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}
