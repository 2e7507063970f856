// Package progress tracks the observable status of analysis runs.
//
// A Machine holds the status of the current run. Every run is identified by
// a generation number returned from Submit; mutations carrying an older
// generation are ignored, so a superseded stream can never touch the status
// of the run that replaced it.
package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jxucoder/intake/model"
)

// ReasonStreamEnded is the failure reason for a stream that closed before
// delivering a complete event.
const ReasonStreamEnded = "stream ended without completion"

const subscriberBuffer = 16

// Machine is the analysis progress state machine. It is safe for concurrent
// use; mutations are applied one at a time in call order.
type Machine struct {
	mu     sync.Mutex
	status model.JobStatus
	run    uint64
	subs   map[chan model.JobStatus]uint64 // run filter, 0 for all runs
	logger *zap.Logger
}

// New creates a Machine in the idle state.
func New(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		status: model.JobStatus{Phase: model.PhaseIdle},
		subs:   make(map[chan model.JobStatus]uint64),
		logger: logger.Named("progress"),
	}
}

// Status returns a snapshot of the current status.
func (m *Machine) Status() model.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run returns the generation of the current run, 0 before the first Submit.
func (m *Machine) Run() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// Submit starts a new run from any state and returns its generation.
func (m *Machine) Submit() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.run++
	// Watchers of earlier runs will never see another status.
	for ch, run := range m.subs {
		if run != 0 {
			delete(m.subs, ch)
			close(ch)
		}
	}
	m.setLocked(model.JobStatus{Run: m.run, Phase: model.PhaseRunning})
	m.logger.Debug("run submitted", zap.Uint64("run", m.run))
	return m.run
}

// Apply applies ev to run. It reports whether the observable status changed.
func (m *Machine) Apply(run uint64, ev model.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activeLocked(run) {
		return false
	}

	switch e := ev.(type) {
	case model.ProgressEvent:
		// Progress display is monotonic; late or duplicate counters are
		// accepted but do not move the counter backwards.
		if e.Current < m.status.Current {
			m.logger.Debug("ignoring regressing progress",
				zap.Int("current", e.Current), zap.Int("recorded", m.status.Current))
			return false
		}
		if e.Current == m.status.Current && e.Total == m.status.Total {
			return false
		}
		next := m.status
		next.Current, next.Total = e.Current, e.Total
		m.setLocked(next)
		return true

	case model.CompleteEvent:
		m.setLocked(model.JobStatus{Run: run, Phase: model.PhaseCompleted, Results: e.Results})
		return true

	case model.ErrorEvent:
		m.setLocked(model.JobStatus{Run: run, Phase: model.PhaseFailed, Reason: e.Message})
		return true

	default:
		return false
	}
}

// Fail moves a non-terminal run to failed with reason.
func (m *Machine) Fail(run uint64, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activeLocked(run) {
		return false
	}
	m.setLocked(model.JobStatus{Run: run, Phase: model.PhaseFailed, Reason: reason})
	return true
}

// Finish marks the end of run's stream. A run that is still running has
// not seen a complete event and fails.
func (m *Machine) Finish(run uint64) bool {
	return m.Fail(run, ReasonStreamEnded)
}

// Subscribe returns a channel receiving every status change and a function
// that cancels the subscription. A subscriber that falls behind loses
// intermediate values but always receives the latest one.
func (m *Machine) Subscribe() (<-chan model.JobStatus, func()) {
	ch := make(chan model.JobStatus, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = 0
	m.mu.Unlock()
	return ch, m.unsubscriber(ch)
}

// Watch is like Subscribe but only follows run. The channel first receives
// the run's current status, and is closed once the run reaches a terminal
// status or is superseded by a newer Submit.
func (m *Machine) Watch(run uint64) (<-chan model.JobStatus, func()) {
	ch := make(chan model.JobStatus, subscriberBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()

	if run != m.run || run == 0 {
		close(ch)
		return ch, func() {}
	}
	ch <- m.status
	if m.status.Terminal() {
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = run
	return ch, m.unsubscriber(ch)
}

func (m *Machine) unsubscriber(ch chan model.JobStatus) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

func (m *Machine) activeLocked(run uint64) bool {
	return run == m.run && m.status.Phase == model.PhaseRunning
}

func (m *Machine) setLocked(next model.JobStatus) {
	m.status = next
	for ch, run := range m.subs {
		if run != 0 && run != next.Run {
			continue
		}
		publish(ch, next)
		if run != 0 && next.Terminal() {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

// publish delivers st without blocking. When the buffer is full the oldest
// pending value is dropped to make room; m.mu guarantees this is the only
// sender, so the second send cannot block.
func publish(ch chan model.JobStatus, st model.JobStatus) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
