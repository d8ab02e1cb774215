// Package commands implements the vuln-extractor CLI.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical/vuln-extractor/cmd/vuln-extractor/ui"
	"github.com/spherical/vuln-extractor/internal/config"
)

var (
	cfgFile string
	envFile string
	verbose bool
	noColor bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vuln-extractor",
	Short: "Extract vulnerability findings from Nessus PDF reports",
	Long: `vuln-extractor reads a Nessus vulnerability report PDF, asks an LLM to
extract every finding twice, reconciles the two answers and writes a
deduplicated JSON artifact that can be imported into a database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine
		_ = godotenv.Load(envFile)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			loaded.Observability.LogLevel = "debug"
		}
		cfg = loaded

		ui.InitUI(noColor, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
