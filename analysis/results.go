package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/intake/model"
	"github.com/jxucoder/intake/store"
)

const (
	// ResultsSlotKey is the key the last completed analysis is stored under.
	ResultsSlotKey = "intake.results"

	resultsTimeout = 5 * time.Second
)

// WithResultStore keeps the last completed analysis of the session in st
// until the session ends.
func WithResultStore(st store.SlotStore) Option {
	return func(c *Client) { c.results = st }
}

// LastResults returns the last completed analysis of the persisted session.
// Results saved under a session that is no longer active are not returned.
func (c *Client) LastResults(ctx context.Context) (model.AnalysisRecord, bool, error) {
	if c.results == nil {
		return model.AnalysisRecord{}, false, nil
	}
	sess, ok, err := c.sessions.Peek(ctx)
	if err != nil || !ok || sess.State != model.SessionActive {
		return model.AnalysisRecord{}, false, err
	}

	raw, err := c.results.Get(ctx, ResultsSlotKey)
	if errors.Is(err, store.ErrNotFound) {
		return model.AnalysisRecord{}, false, nil
	}
	if err != nil {
		return model.AnalysisRecord{}, false, fmt.Errorf("loading results: %w", err)
	}

	var rec model.AnalysisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.logger.Warn("discarding unreadable results record", zap.Error(err))
		return model.AnalysisRecord{}, false, nil
	}
	if rec.SessionID != sess.ID {
		return model.AnalysisRecord{}, false, nil
	}
	return rec, true, nil
}

func (c *Client) saveResults(ctx context.Context, sessionID string, results map[string]json.RawMessage) {
	if c.results == nil {
		return
	}
	data, err := json.Marshal(model.AnalysisRecord{
		SessionID:   sessionID,
		CompletedAt: time.Now().UTC(),
		Results:     results,
	})
	if err != nil {
		c.logger.Warn("encoding results", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultsTimeout)
	defer cancel()
	if err := c.results.Set(ctx, ResultsSlotKey, string(data)); err != nil {
		c.logger.Warn("saving results", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Client) clearResults() {
	if c.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resultsTimeout)
	defer cancel()
	if err := c.results.Delete(ctx, ResultsSlotKey); err != nil {
		c.logger.Warn("clearing results", zap.Error(err))
	}
}
