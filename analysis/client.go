// Package analysis is the job client: it submits question sets to the
// analysis service within the current session and turns the streamed
// response into observable progress.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/intake/backend"
	"github.com/jxucoder/intake/metrics"
	"github.com/jxucoder/intake/model"
	"github.com/jxucoder/intake/progress"
	"github.com/jxucoder/intake/session"
	"github.com/jxucoder/intake/sse"
	"github.com/jxucoder/intake/store"
)

// Errors returned by Run.Wait. Their messages double as the failure reason
// recorded in the run's status.
var (
	ErrStreamEnded          = errors.New(progress.ReasonStreamEnded)
	ErrAnalysisFailed       = errors.New("analysis failed")
	ErrUnrecognizedResponse = errors.New("unrecognized response")
	ErrCancelled            = errors.New("cancelled")
	ErrSuperseded           = errors.New("superseded by a new submission")
	ErrSessionEnded         = errors.New("session ended")
	ErrClosed               = errors.New("client closed")
	ErrNoQuestions          = errors.New("no questions to analyze")
)

const (
	defaultReadSize = 32 << 10
	maxFallbackBody = 16 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("analysis") }
}

// WithIdleTimeout sets the idle timeout re-armed on every submission.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithDecoderOptions passes options to the event-stream decoder of each run.
func WithDecoderOptions(opts ...sse.Option) Option {
	return func(c *Client) { c.decoderOpts = append(c.decoderOpts, opts...) }
}

// WithReadSize sets the size of the buffer used to read response bodies.
func WithReadSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// Client submits analyses and tracks the current run. At most one run is in
// flight; submitting again supersedes it.
type Client struct {
	backend     backend.Backend
	sessions    *session.Manager
	machine     *progress.Machine
	logger      *zap.Logger
	idleTimeout time.Duration
	readSize    int
	decoderOpts []sse.Option
	results     store.SlotStore

	submitMu sync.Mutex // serialises Submit and Close

	mu     sync.Mutex
	active *Run
	closed bool
	// Last session end seen by the hook, for a run registered after it fired.
	endedID, endedReason string
}

// New creates a Client. The session manager's cleaner is normally the same
// backend; New registers a hook so a session ending fails the run using it.
func New(be backend.Backend, sessions *session.Manager, opts ...Option) *Client {
	c := &Client{
		backend:     be,
		sessions:    sessions,
		logger:      zap.NewNop(),
		idleTimeout: session.DefaultIdleTimeout,
		readSize:    defaultReadSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = progress.New(c.logger)
	c.decoderOpts = append([]sse.Option{sse.WithLogger(c.logger)}, c.decoderOpts...)
	sessions.OnEnd(c.sessionEnded)
	return c
}

// Run is one submitted analysis.
type Run struct {
	id        uint64
	sessionID string
	cancel    context.CancelCauseFunc
	done      chan struct{}
	updates   <-chan model.JobStatus
	unwatch   func()

	// Set by the reader before done is closed.
	final model.JobStatus
	err   error
}

// ID returns the run's generation number.
func (r *Run) ID() uint64 { return r.id }

// SessionID returns the session the run was submitted in.
func (r *Run) SessionID() string { return r.sessionID }

// Updates returns the run's status changes, starting with running. The
// channel is closed after the terminal status. Slow readers lose
// intermediate progress, never the final status.
func (r *Run) Updates() <-chan model.JobStatus { return r.updates }

// Done is closed once the run has stopped reading its response.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the run. It fails with ErrCancelled unless it already
// finished.
func (r *Run) Cancel() { r.cancel(ErrCancelled) }

// Wait blocks until the run finishes and returns its terminal status. The
// error is nil for a completed run and explains the failure otherwise.
func (r *Run) Wait(ctx context.Context) (model.JobStatus, error) {
	select {
	case <-r.done:
		return r.final, r.err
	case <-ctx.Done():
		return model.JobStatus{}, ctx.Err()
	}
}

// Submit starts analysing questions against folder in the current session,
// creating the session if needed. Any in-flight run is cancelled first.
// ctx bounds the whole run, not just the call.
func (c *Client) Submit(ctx context.Context, questions []string, folder *model.Folder) (*Run, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}

	sessionID, err := c.sessions.EnsureSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensuring session: %w", err)
	}
	if err := c.sessions.ArmIdleTimeout(ctx, c.idleTimeout); err != nil {
		return nil, fmt.Errorf("renewing session: %w", err)
	}

	c.stopActive(ErrSuperseded)

	runCtx, cancel := context.WithCancelCause(ctx)
	id := c.machine.Submit()
	updates, unwatch := c.machine.Watch(id)
	run := &Run{
		id:        id,
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		updates:   updates,
		unwatch:   unwatch,
	}

	// A session that ends after this point is seen by the hook through
	// c.active; one that ended earlier left its reason behind.
	c.mu.Lock()
	c.active = run
	missed, reason := c.endedID == sessionID, c.endedReason
	c.mu.Unlock()
	if missed {
		cancel(fmt.Errorf("%w: %s", ErrSessionEnded, reason))
	}

	c.logger.Info("analysis submitted",
		zap.Uint64("run", id),
		zap.String("session_id", sessionID),
		zap.Int("questions", len(questions)))

	go c.read(runCtx, run, model.AnalysisRequest{
		SessionID: sessionID,
		Questions: questions,
		Folder:    folder,
	})
	return run, nil
}

// Status returns the status of the current run.
func (c *Client) Status() model.JobStatus { return c.machine.Status() }

// Subscribe follows the status across all runs. Call the returned function
// to unsubscribe.
func (c *Client) Subscribe() (<-chan model.JobStatus, func()) { return c.machine.Subscribe() }

// Session returns the current session, if one is loaded.
func (c *Client) Session() (model.Session, bool) { return c.sessions.Current() }

// PersistedSession loads the stored session without creating one.
func (c *Client) PersistedSession(ctx context.Context) (model.Session, bool, error) {
	return c.sessions.Peek(ctx)
}

// EndSession ends the current session. An in-flight run fails.
func (c *Client) EndSession(ctx context.Context) error {
	return c.sessions.EndSession(ctx)
}

// Folders lists the document folders the service can analyse.
func (c *Client) Folders(ctx context.Context) ([]model.Folder, error) {
	return c.backend.ListFolders(ctx)
}

// Close cancels any in-flight run and stops the idle timer. The session
// itself is kept so a later client can resume it.
func (c *Client) Close() error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stopActive(ErrClosed)
	c.sessions.Stop()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stopActive cancels the active run and waits for its reader to exit.
func (c *Client) stopActive(cause error) {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel(cause)
	<-run.done
}

// sessionEnded runs under the session manager's lock, so it only signals
// the run and drops the saved results.
func (c *Client) sessionEnded(id, reason string) {
	c.mu.Lock()
	c.endedID, c.endedReason = id, reason
	run := c.active
	c.mu.Unlock()
	if run != nil && run.sessionID == id {
		run.cancel(fmt.Errorf("%w: %s", ErrSessionEnded, reason))
	}
	c.clearResults()
}

func (c *Client) read(ctx context.Context, run *Run, req model.AnalysisRequest) {
	defer close(run.done)
	defer run.unwatch()

	err := c.stream(ctx, run.id, req)
	if err != nil {
		c.machine.Fail(run.id, err.Error())
	}

	st := c.machine.Status()
	if st.Run != run.id || !st.Terminal() {
		st = model.JobStatus{Run: run.id, Phase: model.PhaseFailed, Reason: errorReason(err)}
	}
	run.final, run.err = st, err

	switch {
	case st.Phase == model.PhaseCompleted:
		c.saveResults(ctx, run.sessionID, st.Results)
		metrics.IncreaseRunsTotal(metrics.OutcomeCompleted)
	case errors.Is(err, ErrSuperseded):
		metrics.IncreaseRunsTotal(metrics.OutcomeSuperseded)
	default:
		metrics.IncreaseRunsTotal(metrics.OutcomeFailed)
	}
	c.logger.Info("analysis finished",
		zap.Uint64("run", run.id),
		zap.String("status", st.String()))
}

// stream runs one request to completion. It returns nil only when the run
// completed.
func (c *Client) stream(ctx context.Context, run uint64, req model.AnalysisRequest) error {
	resp, err := c.backend.Analyze(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	defer resp.Body.Close()
	// Unblock a pending Read when the run is cancelled.
	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()

	if !resp.Streaming() {
		return c.oneShot(ctx, run, resp.Body)
	}

	dec := sse.NewDecoder(c.decoderOpts...)
	defer dec.Reset()

	buf := make([]byte, c.readSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if n > 0 {
			recs, ferr := dec.Feed(buf[:n])
			for _, rec := range recs {
				if done, err := c.apply(run, rec); done {
					return err
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if errors.Is(rerr, io.EOF) {
			dec.Flush()
			return ErrStreamEnded
		}
		if rerr != nil {
			return fmt.Errorf("reading analysis stream: %w", rerr)
		}
	}
}

// apply hands one record to the state machine and reports whether the run
// reached a terminal status.
func (c *Client) apply(run uint64, rec sse.Record) (bool, error) {
	ev, err := sse.ParseEvent(rec)
	if errors.Is(err, sse.ErrUnknownEvent) {
		c.logger.Debug("ignoring event", zap.Error(err))
		return false, nil
	}
	if err != nil {
		c.logger.Warn("dropping event", zap.Error(err))
		metrics.IncreaseDecodeErrors()
		return false, nil
	}

	metrics.IncreaseEventsTotal(ev.Type())
	c.machine.Apply(run, ev)
	return c.terminal(run)
}

func (c *Client) terminal(run uint64) (bool, error) {
	st := c.machine.Status()
	if st.Run != run || !st.Terminal() {
		return false, nil
	}
	if st.Phase == model.PhaseFailed {
		return true, fmt.Errorf("%w: %s", ErrAnalysisFailed, st.Reason)
	}
	return true, nil
}

// oneShot handles a response that is a single JSON document rather than an
// event stream.
func (c *Client) oneShot(ctx context.Context, run uint64, body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxFallbackBody))
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err != nil {
		return fmt.Errorf("reading analysis response: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		c.logger.Warn("unrecognized analysis response", zap.String("body", model.Truncate(string(raw), 200)))
		return ErrUnrecognizedResponse
	}

	switch {
	case obj["type"] != nil:
		ev, err := sse.ParseEvent(sse.Record{Data: raw})
		if err != nil {
			c.logger.Warn("unrecognized analysis response", zap.Error(err))
			return ErrUnrecognizedResponse
		}
		metrics.IncreaseEventsTotal(ev.Type())
		c.machine.Apply(run, ev)
		if done, err := c.terminal(run); done {
			return err
		}
		return ErrStreamEnded

	case obj["results"] != nil:
		var results map[string]json.RawMessage
		if err := json.Unmarshal(obj["results"], &results); err != nil {
			c.logger.Warn("unrecognized analysis results", zap.Error(err))
			return ErrUnrecognizedResponse
		}
		if results == nil {
			results = map[string]json.RawMessage{}
		}
		c.machine.Apply(run, model.CompleteEvent{Results: results})
		return nil

	case obj["error"] != nil:
		var msg string
		if err := json.Unmarshal(obj["error"], &msg); err != nil || msg == "" {
			msg = string(obj["error"])
		}
		c.machine.Apply(run, model.ErrorEvent{Message: msg})
		return fmt.Errorf("%w: %s", ErrAnalysisFailed, msg)
	}
	return ErrUnrecognizedResponse
}

func errorReason(err error) string {
	if err == nil {
		return progress.ReasonStreamEnded
	}
	return err.Error()
}
