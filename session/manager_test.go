package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/intake/model"
	"github.com/jxucoder/intake/store"
	"github.com/jxucoder/intake/store/sqlite"
)

type fakeCleaner struct {
	mu      sync.Mutex
	ids     []string
	err     error
	release chan struct{} // when set, EndSession blocks until closed
}

func (c *fakeCleaner) EndSession(ctx context.Context, id string) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return c.err
}

func (c *fakeCleaner) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func newTestManager(t *testing.T, st store.SlotStore, cleaner Cleaner, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(st, cleaner, opts...)
	t.Cleanup(m.Stop)
	return m
}

func TestEnsureSessionReusesID(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory(), &fakeCleaner{})

	first, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	second, err := m.EnsureSession(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)

	sess, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, model.SessionActive, sess.State)
	assert.Equal(t, sess.CreatedAt.Add(DefaultIdleTimeout), sess.ExpiresAt)
}

func TestEnsureSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	id, err := newTestManager(t, st, &fakeCleaner{}).EnsureSession(ctx)
	require.NoError(t, err)

	restarted := newTestManager(t, st, &fakeCleaner{})
	again, err := restarted.EnsureSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestEnsureSessionReplacesExpiredRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	stale, err := json.Marshal(model.Session{
		ID:        "stale-session",
		State:     model.SessionActive,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-90 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, DefaultSlotKey, string(stale)))

	cleaner := &fakeCleaner{}
	m := newTestManager(t, st, cleaner, WithNow(func() time.Time { return now }))

	id, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "stale-session", id)
	assert.Equal(t, []string{"stale-session"}, cleaner.calls())

	raw, err := st.Get(ctx, DefaultSlotKey)
	require.NoError(t, err)
	assert.Contains(t, raw, id)
}

func TestEnsureSessionDiscardsUnreadableRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, DefaultSlotKey, "not json"))

	m := newTestManager(t, st, &fakeCleaner{})
	id, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cleaner := &fakeCleaner{}
	m := newTestManager(t, st, cleaner)

	var ended []string
	m.OnEnd(func(id, reason string) { ended = append(ended, id+":"+reason) })

	id, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx))

	sess, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, model.SessionEnded, sess.State)
	assert.Equal(t, []string{id}, cleaner.calls())
	assert.Equal(t, []string{id + ":" + ReasonEnded}, ended)

	_, err = st.Get(ctx, DefaultSlotKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Ending twice is a no-op.
	require.NoError(t, m.EndSession(ctx))
	assert.Len(t, cleaner.calls(), 1)
	assert.Len(t, ended, 1)

	next, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestEndSessionWithoutSessionIsNoop(t *testing.T) {
	cleaner := &fakeCleaner{}
	m := newTestManager(t, store.NewMemory(), cleaner)
	require.NoError(t, m.EndSession(context.Background()))
	assert.Empty(t, cleaner.calls())
}

func TestEndSessionCleanupFailureStillEnds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cleaner := &fakeCleaner{err: errors.New("connection refused")}
	m := newTestManager(t, st, cleaner)

	_, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx))

	sess, _ := m.Current()
	assert.Equal(t, model.SessionEnded, sess.State)
	_, err = st.Get(ctx, DefaultSlotKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEndSessionClearsRecordAfterCleanupDeadline(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cleaner := &fakeCleaner{release: make(chan struct{})}
	m := newTestManager(t, st, cleaner)
	ended, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, m.EndSession(ctx))

	sess, _ := m.Current()
	assert.Equal(t, model.SessionEnded, sess.State)
	_, err = st.Get(context.Background(), DefaultSlotKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	restarted := newTestManager(t, st, &fakeCleaner{})
	id, err := restarted.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, ended, id, "an ended session must not come back after a restart")
}

func TestEndSessionIsExpiringWhileCleanupInFlight(t *testing.T) {
	ctx := context.Background()
	cleaner := &fakeCleaner{release: make(chan struct{})}
	m := newTestManager(t, store.NewMemory(), cleaner)

	_, err := m.EnsureSession(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.EndSession(ctx) }()

	require.Eventually(t, func() bool {
		sess, _ := m.Current()
		return sess.State == model.SessionExpiring
	}, time.Second, 5*time.Millisecond)

	close(cleaner.release)
	require.NoError(t, <-done)
	sess, _ := m.Current()
	assert.Equal(t, model.SessionEnded, sess.State)
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cleaner := &fakeCleaner{}
	m := newTestManager(t, st, cleaner, WithIdleTimeout(20*time.Millisecond))

	reasons := make(chan string, 1)
	m.OnEnd(func(_, reason string) { reasons <- reason })

	id, err := m.EnsureSession(ctx)
	require.NoError(t, err)

	select {
	case reason := <-reasons:
		assert.Equal(t, ReasonIdleTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout did not fire")
	}
	assert.Equal(t, []string{id}, cleaner.calls())
	sess, _ := m.Current()
	assert.Equal(t, model.SessionEnded, sess.State)
	_, err = st.Get(ctx, DefaultSlotKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArmIdleTimeoutRestartsCountdown(t *testing.T) {
	ctx := context.Background()
	cleaner := &fakeCleaner{}
	m := newTestManager(t, store.NewMemory(), cleaner, WithIdleTimeout(150*time.Millisecond))

	_, err := m.EnsureSession(ctx)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.ArmIdleTimeout(ctx, 150*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	sess, _ := m.Current()
	assert.Equal(t, model.SessionActive, sess.State, "re-armed timer must not fire on the old deadline")
	assert.Empty(t, cleaner.calls())

	require.Eventually(t, func() bool {
		sess, _ := m.Current()
		return sess.State == model.SessionEnded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, cleaner.calls(), 1)
}

func TestEndSessionCancelsIdleTimer(t *testing.T) {
	ctx := context.Background()
	cleaner := &fakeCleaner{}
	m := newTestManager(t, store.NewMemory(), cleaner, WithIdleTimeout(30*time.Millisecond))

	_, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, cleaner.calls(), 1, "cleanup must be issued exactly once")
}

func TestArmIdleTimeoutWithoutSessionIsNoop(t *testing.T) {
	m := newTestManager(t, store.NewMemory(), &fakeCleaner{})
	require.NoError(t, m.ArmIdleTimeout(context.Background(), time.Millisecond))
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestPeekDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := newTestManager(t, st, &fakeCleaner{})

	_, ok, err := m.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := m.EnsureSession(ctx)
	require.NoError(t, err)

	sess, ok, err := newTestManager(t, st, &fakeCleaner{}).Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, sess.ID)
}
