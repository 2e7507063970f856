package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/intake/internal/config"
	"github.com/jxucoder/intake/model"
)

var (
	analyzeFolder    string
	analyzeQuestions string
	analyzeJSON      bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [question...]",
	Short: "Submit questions for analysis and stream progress",
	Long: `Submit questions for analysis within the current session and print the
results. Without arguments the configured question set is used.

Example:
  intake analyze --folder rhetorik
  intake analyze "Who is the CEO?" "What is the website URL?"
  intake analyze --questions ic.yaml --json > results.json`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFolder, "folder", "f", "", "document folder id")
	analyzeCmd.Flags().StringVarP(&analyzeQuestions, "questions", "q", "", "YAML question set file")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print raw results as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	questions := args
	if len(questions) == 0 {
		qs := app.Questions()
		if analyzeQuestions != "" {
			if qs, err = config.LoadQuestions(analyzeQuestions); err != nil {
				return err
			}
		}
		questions = qs.Questions
	}

	var folder *model.Folder
	if analyzeFolder != "" {
		folder = &model.Folder{ID: analyzeFolder}
	}

	// Ctrl-C cancels the run.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := app.Client().Submit(ctx, questions, folder)
	if err != nil {
		return fmt.Errorf("submitting analysis: %w\nIs the server running? Start it with: intake serve", err)
	}
	fmt.Fprintf(os.Stderr, "Session %s, %d question(s)\n", run.SessionID(), len(questions))

	for st := range run.Updates() {
		if st.Phase == model.PhaseRunning && st.Total > 0 {
			fmt.Fprintf(os.Stderr, "\033[36m[progress]\033[0m %d/%d\n", st.Current, st.Total)
		}
	}

	st, err := run.Wait(context.Background())
	if err != nil {
		return err
	}

	if analyzeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st.Results)
	}
	printResults(st.Results)
	return nil
}

func printResults(results map[string]json.RawMessage) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	// question_2 before question_10
	sort.Slice(ids, func(i, j int) bool { return questionNumber(ids[i]) < questionNumber(ids[j]) })

	ev := model.CompleteEvent{Results: results}
	for _, id := range ids {
		res, err := ev.Question(id)
		if err != nil {
			fmt.Printf("\n%s: %s\n", id, model.Truncate(string(results[id]), 200))
			continue
		}
		fmt.Printf("\n\033[32m%s\033[0m (score %d/5)\n%s\n\n%s\n", id, res.Score, res.QuestionText, res.Scoring)
		for name, loc := range res.Sources {
			if loc == "" {
				fmt.Printf("  - %s\n", name)
			} else {
				fmt.Printf("  - %s (%s)\n", name, loc)
			}
		}
	}
}

func questionNumber(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "question_"))
	if err != nil {
		return 1 << 30
	}
	return n
}
