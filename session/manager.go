// Package session manages the lifetime of the client's analysis session.
//
// A Manager owns at most one session at a time. The session record is kept
// in a store.SlotStore so it survives restarts; an idle timer ends the
// session after a period without activity, and EndSession ends it on request.
// Ending always notifies the backend on a best-effort basis: a failed cleanup
// call never keeps the session alive locally.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxucoder/intake/metrics"
	"github.com/jxucoder/intake/model"
	"github.com/jxucoder/intake/store"
)

const (
	// DefaultIdleTimeout is how long a session lives without activity.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSlotKey is the fixed key the session record is persisted under.
	DefaultSlotKey = "intake.session"

	defaultCleanupTimeout = 10 * time.Second
)

// Reasons passed to OnEnd hooks.
const (
	ReasonEnded       = "ended by user"
	ReasonIdleTimeout = "idle timeout"
	ReasonExpired     = "expired"
)

// Cleaner notifies the backend that a session's resources can be released.
type Cleaner interface {
	EndSession(ctx context.Context, sessionID string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout sets the idle timeout armed when a session is created.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithSlotKey overrides the key the session record is stored under.
func WithSlotKey(key string) Option {
	return func(m *Manager) { m.key = key }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l.Named("session") }
}

// WithNow sets the clock used for creation and expiry timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCleanupTimeout bounds the cleanup call issued when the idle timer fires.
func WithCleanupTimeout(d time.Duration) Option {
	return func(m *Manager) { m.cleanupTimeout = d }
}

// Manager is the session lifecycle manager. It is the only writer of the
// session value; everything else reads snapshots through Current.
type Manager struct {
	store          store.SlotStore
	cleaner        Cleaner
	key            string
	idleTimeout    time.Duration
	cleanupTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger

	// op serialises lifecycle operations, including the cleanup call, so
	// a second session cannot be created while the first is expiring.
	op       sync.Mutex
	loaded   bool
	timer    *time.Timer
	timerGen uint64

	mu      sync.Mutex // guards current and hooks
	current *model.Session
	hooks   []func(id, reason string)
}

// NewManager creates a Manager persisting to st and cleaning up through cleaner.
func NewManager(st store.SlotStore, cleaner Cleaner, opts ...Option) *Manager {
	m := &Manager{
		store:          st,
		cleaner:        cleaner,
		key:            DefaultSlotKey,
		idleTimeout:    DefaultIdleTimeout,
		cleanupTimeout: defaultCleanupTimeout,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEnd registers fn to run after a session ends, with the ended session's
// id and the reason. Hooks run synchronously and must not call back into
// the Manager.
func (m *Manager) OnEnd(fn func(id, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Current returns a snapshot of the session, if one is loaded.
func (m *Manager) Current() (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return model.Session{}, false
	}
	return *m.current, true
}

// EnsureSession returns the id of the active, unexpired session, creating
// and persisting a new one when there is none. A persisted session whose
// idle deadline has passed is cleaned up and replaced.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	m.op.Lock()
	defer m.op.Unlock()

	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return "", err
		}
	}

	if sess, ok := m.Current(); ok && sess.State == model.SessionActive {
		if !sess.Expired(m.now()) {
			return sess.ID, nil
		}
		m.logger.Info("persisted session expired", zap.String("session_id", sess.ID))
		if err := m.endLocked(ctx, ReasonExpired); err != nil {
			m.logger.Warn("ending expired session", zap.Error(err))
		}
	}

	now := m.now().UTC()
	sess := &model.Session{
		ID:        uuid.NewString(),
		State:     model.SessionActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.idleTimeout),
	}
	if err := m.persist(ctx, sess); err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	m.setCurrent(sess)
	m.armLocked(m.idleTimeout)

	m.logger.Info("session created", zap.String("session_id", sess.ID))
	return sess.ID, nil
}

// Peek loads the persisted session, if any, without creating or ending one.
// The returned session may be active yet past its deadline.
func (m *Manager) Peek(ctx context.Context) (model.Session, bool, error) {
	m.op.Lock()
	defer m.op.Unlock()

	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return model.Session{}, false, err
		}
	}
	sess, ok := m.Current()
	return sess, ok, nil
}

// ArmIdleTimeout restarts the idle countdown of the active session. Only one
// timer is ever pending; re-arming before expiry replaces it. The new
// deadline is persisted so a restarted client sees it.
func (m *Manager) ArmIdleTimeout(ctx context.Context, d time.Duration) error {
	m.op.Lock()
	defer m.op.Unlock()

	sess, ok := m.Current()
	if !ok || sess.State != model.SessionActive {
		return nil
	}
	sess.ExpiresAt = m.now().UTC().Add(d)
	if err := m.persist(ctx, &sess); err != nil {
		return fmt.Errorf("persisting session deadline: %w", err)
	}
	m.setCurrent(&sess)
	m.armLocked(d)
	return nil
}

// EndSession cancels the idle timer, notifies the backend and ends the
// session. Cleanup failures are logged, not returned. Ending when no session
// is active is a no-op.
func (m *Manager) EndSession(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return err
		}
	}
	return m.endLocked(ctx, ReasonEnded)
}

// Stop cancels the pending idle timer without ending the session, leaving
// the persisted deadline to be enforced by the next EnsureSession.
func (m *Manager) Stop() {
	m.op.Lock()
	defer m.op.Unlock()
	m.stopTimerLocked()
}

func (m *Manager) loadLocked(ctx context.Context) error {
	raw, err := m.store.Get(ctx, m.key)
	if errors.Is(err, store.ErrNotFound) {
		m.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	m.loaded = true

	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.ID == "" {
		m.logger.Warn("discarding unreadable session record", zap.String("record", model.Truncate(raw, 80)))
		return m.store.Delete(ctx, m.key)
	}
	if sess.State != model.SessionActive {
		return m.store.Delete(ctx, m.key)
	}

	m.setCurrent(&sess)
	if remaining := sess.ExpiresAt.Sub(m.now()); remaining > 0 {
		m.armLocked(remaining)
	}
	m.logger.Debug("session restored", zap.String("session_id", sess.ID))
	return nil
}

func (m *Manager) endLocked(ctx context.Context, reason string) error {
	sess, ok := m.Current()
	if !ok || sess.State != model.SessionActive {
		return nil
	}
	m.stopTimerLocked()

	sess.State = model.SessionExpiring
	m.setCurrent(&sess)

	trigger := triggerLabel(reason)
	if err := m.cleaner.EndSession(ctx, sess.ID); err != nil {
		m.logger.Warn("session cleanup failed", zap.String("session_id", sess.ID), zap.Error(err))
		metrics.IncreaseSessionCleanups(trigger, "error")
	} else {
		metrics.IncreaseSessionCleanups(trigger, "ok")
	}

	sess.State = model.SessionEnded
	m.setCurrent(&sess)
	m.logger.Info("session ended", zap.String("session_id", sess.ID), zap.String("reason", reason))

	// Local teardown must not depend on the context the cleanup call may
	// have used up.
	local, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
	defer cancel()
	storeErr := m.store.Delete(local, m.key)

	m.mu.Lock()
	hooks := append([]func(string, string){}, m.hooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(sess.ID, reason)
	}

	if storeErr != nil {
		return fmt.Errorf("clearing session record: %w", storeErr)
	}
	return nil
}

// armLocked replaces any pending timer. The generation check makes a timer
// that already fired, but lost the race for m.op, a no-op.
func (m *Manager) armLocked(d time.Duration) {
	m.stopTimerLocked()
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() { m.expire(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) expire(gen uint64) {
	m.op.Lock()
	defer m.op.Unlock()

	if gen != m.timerGen {
		return
	}
	m.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout)
	defer cancel()
	if err := m.endLocked(ctx, ReasonIdleTimeout); err != nil {
		m.logger.Warn("ending idle session", zap.Error(err))
	}
}

func (m *Manager) persist(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, m.key, string(data))
}

func (m *Manager) setCurrent(sess *model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess == nil {
		m.current = nil
		return
	}
	cp := *sess
	m.current = &cp
}

func triggerLabel(reason string) string {
	switch reason {
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonExpired:
		return "expired"
	default:
		return "user"
	}
}
