package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/intake"
	"github.com/jxucoder/intake/httpapi"
)

var (
	serveAddr  string
	serveDelay time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reference analysis server",
	Long: `Start a reference analysis server that streams progress for every
question and answers with deterministic canned results. Useful for trying the
client without the real service.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default $INTAKE_ADDR)")
	serveCmd.Flags().DurationVar(&serveDelay, "delay", 500*time.Millisecond, "simulated time per question")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	srv, err := intake.NewBuilder().
		WithConfig(cfg).
		WithAnalyzer(&httpapi.DummyAnalyzer{Delay: serveDelay}).
		BuildServer()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	return srv.Start(ctx)
}
