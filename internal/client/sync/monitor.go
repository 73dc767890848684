package sync

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/models"
)

// ReconnectDecision tells the redial loop how much recovery a restored
// session needs.
type ReconnectDecision int

const (
	// DecisionResubscribe re-registers pub/sub channels only. The
	// outage was short enough that missed events are unlikely to
	// matter and the next regular round will repair any that were.
	DecisionResubscribe ReconnectDecision = iota
	// DecisionFullSync runs a full sync pass for the active scopes
	// before resuming normal operation.
	DecisionFullSync
)

func (d ReconnectDecision) String() string {
	if d == DecisionFullSync {
		return "full_sync"
	}
	return "resubscribe"
}

// Monitor tracks the transport session state and times outages. On
// reconnection it compares the outage duration against the staleness
// threshold to decide between resubscribing and a full sync pass.
type Monitor struct {
	mu        stdsync.Mutex
	state     models.ConnectionState
	downSince time.Time
	threshold time.Duration
	bus       *notify.Bus
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor builds a monitor in the Disconnected state. threshold is
// the outage duration at or beyond which a reconnection is treated as
// stale.
func NewMonitor(threshold time.Duration, bus *notify.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		state:     models.Disconnected,
		threshold: threshold,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// State returns the current connection state.
func (m *Monitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connecting marks a dial attempt in progress.
func (m *Monitor) Connecting() {
	m.transition(models.Connecting)
}

// Connected marks the session established and reports the recovery the
// reconnection needs. The first connection of a process is always a
// full sync, since the cache may have diverged arbitrarily while the
// process was down.
func (m *Monitor) Connected() ReconnectDecision {
	m.mu.Lock()
	downSince := m.downSince
	outage := time.Duration(0)
	if !downSince.IsZero() {
		outage = m.now().Sub(downSince)
	}
	m.mu.Unlock()

	decision := DecisionFullSync
	if !downSince.IsZero() && outage < m.threshold {
		decision = DecisionResubscribe
	}

	m.logger.Info("connected", "outage", outage.String(), "recovery", decision.String())
	m.transition(models.Connected)
	return decision
}

// Disconnected records the drop time and marks the session down. A
// failed dial attempt (Connecting, never Connected) keeps the original
// drop time so redial retries do not reset the outage clock.
func (m *Monitor) Disconnected() {
	m.mu.Lock()
	if m.state == models.Connected {
		m.downSince = m.now()
	}
	m.mu.Unlock()
	m.transition(models.Disconnected)
}

func (m *Monitor) transition(next models.ConnectionState) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.bus.Publish(models.ConnectionChanged{State: next})
}
