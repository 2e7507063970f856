package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jxucoder/intake/model"
)

// ErrNoFolder is returned when a request names no folder and none is configured.
var ErrNoFolder = errors.New("no document folder selected")

// DummyAnalyzer produces deterministic canned answers. It reports progress
// before each question, like the real service, and waits Delay per question.
type DummyAnalyzer struct {
	Delay time.Duration
}

// Analyze implements Analyzer.
func (a *DummyAnalyzer) Analyze(ctx context.Context, req model.AnalysisRequest, emit func(model.Event) error) error {
	if req.Folder == nil {
		return ErrNoFolder
	}

	total := len(req.Questions)
	results := make(map[string]json.RawMessage, total)
	for i, q := range req.Questions {
		if err := emit(model.ProgressEvent{Current: i + 1, Total: total}); err != nil {
			return err
		}
		if a.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := json.Marshal(answer(q, req.Folder))
		if err != nil {
			return fmt.Errorf("encoding answer %d: %w", i+1, err)
		}
		results[model.QuestionID(i)] = raw
	}
	return emit(model.CompleteEvent{Results: results})
}

func answer(question string, folder *model.Folder) model.QuestionResult {
	h := fnv.New32a()
	h.Write([]byte(question))
	score := int(h.Sum32()%5) + 1

	return model.QuestionResult{
		QuestionText: question,
		Score:        score,
		Scoring:      fmt.Sprintf("Canned appraisal scored %d/5 from the %s documents.", score, folder.Name),
		Sources:      map[string]string{folder.Name: folder.Path},
		Rationale: model.Rationale{
			RAGResponse:     fmt.Sprintf("No retrieval performed for %q.", model.Truncate(question, 60)),
			WebResponse:     "No web search performed.",
			AgentCommentary: "Generated by the reference analyzer.",
		},
	}
}
