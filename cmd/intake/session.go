package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or end the analysis session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the persisted session",
	Args:  cobra.NoArgs,
	RunE:  runSessionShow,
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the session and ask the server to release its resources",
	Args:  cobra.NoArgs,
	RunE:  runSessionEnd,
}

var sessionShowResults bool

func init() {
	sessionShowCmd.Flags().BoolVar(&sessionShowResults, "results", false, "Print the session's last completed analysis")
	sessionCmd.AddCommand(sessionShowCmd, sessionEndCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	sess, ok, err := app.Client().PersistedSession(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No session.")
		return nil
	}

	state := string(sess.State)
	if sess.Expired(time.Now()) {
		state = "expired"
	}
	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("State:    %s\n", state)
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Expires:  %s\n", sess.ExpiresAt.Local().Format(time.RFC3339))

	rec, ok, err := app.Client().LastResults(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Last run: none")
		return nil
	}
	fmt.Printf("Last run: %s, %d result(s)\n", rec.CompletedAt.Local().Format(time.RFC3339), len(rec.Results))
	if sessionShowResults {
		printResults(rec.Results)
	}
	return nil
}

func runSessionEnd(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	sess, ok, err := app.Client().PersistedSession(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No session to end.")
		return nil
	}
	if err := app.Client().EndSession(context.Background()); err != nil {
		return err
	}
	fmt.Printf("Session %s ended.\n", sess.ID)
	return nil
}
