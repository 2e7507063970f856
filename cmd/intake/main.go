// Intake submits question sets to a document-analysis service and follows
// the analysis as it streams back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jxucoder/intake"
	"github.com/jxucoder/intake/internal/config"
)

var (
	version   = "dev"
	serverURL string
	storeKind string
)

var rootCmd = &cobra.Command{
	Use:   "intake",
	Short: "Intake - document analysis client",
	Long: `Intake submits investment-committee questions to a document-analysis
service and follows the analysis as it streams back.

  intake serve                          Start the reference analysis server
  intake folders                        List document folders
  intake analyze --folder rhetorik      Analyze with the default questions
  intake analyze "Who is the CEO?"      Analyze a single question
  intake session show                   Show the persisted session
  intake session end                    End the session and release resources`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "analysis server URL (default $INTAKE_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "", "session store: sqlite, redis or memory (default $INTAKE_STORE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildApp() (*intake.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return intake.NewBuilder().WithConfig(cfg).Build()
}
