// Package creditmgr is the Credit Manager (§4.2): it converts "message
// delivered" / "message settled" events into addCredits decisions on a
// receiver link, bounding the number of unsettled messages the
// application holds at once. Grounded on the teacher's
// internal/circuitbreaker.Breaker — a small mutex-guarded state machine
// bound into a per-link policy, with the same "construct standalone,
// bind to the live resource afterwards" shape as Breaker vs. Registry.
package creditmgr

import (
	"context"
	"sync"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/svclog"
	"github.com/oriys/svcbus/internal/svcmetrics"
	"github.com/oriys/svcbus/svcbuserr"
)

// Mode selects the derived link policy (§4.2).
type Mode int

const (
	PeekLock Mode = iota
	ReceiveAndDelete
)

// Config constructs a Manager.
type Config struct {
	Mode          Mode
	InitialCredit uint32
	Threshold     uint32
	Metrics       *svcmetrics.Collector
}

// Manager is the Credit Manager. Safe for concurrent use.
type Manager struct {
	mode          Mode
	initialCredit uint32
	threshold     uint32
	metrics       *svcmetrics.Collector

	mu                sync.Mutex
	link              amqptransport.Receiver
	pending           map[string]struct{} // lock tokens currently in Settling state
	additionalCredits uint32
}

// New constructs a Manager not yet bound to any link.
func New(cfg Config) *Manager {
	return &Manager{
		mode:          cfg.Mode,
		initialCredit: cfg.InitialCredit,
		threshold:     cfg.Threshold,
		metrics:       cfg.Metrics,
		pending:       make(map[string]struct{}),
	}
}

// Policy returns the amqptransport.LinkPolicy fields this manager derives,
// to be merged into the receiver link's creation policy (§4.2 "Derived policy").
func (m *Manager) Policy() (rcvSettleMode amqptransport.ReceiverSettleMode, creditQuantum uint32, manualCredit bool) {
	if m.mode == PeekLock {
		return amqptransport.SettleOnDisposition, m.initialCredit, true
	}
	return amqptransport.SettleOnSend, m.initialCredit, false
}

// SetReceiver binds the manager to a created receiver link (§4.2,
// "bound to a receiver link via setReceiver after link creation"). For
// peek-lock this issues the initial credit quantum once, mirroring the
// library's "{initial: true}" refresh callback.
func (m *Manager) SetReceiver(ctx context.Context, link amqptransport.Receiver) error {
	m.mu.Lock()
	m.link = link
	mode := m.mode
	initial := m.initialCredit
	m.mu.Unlock()

	if mode != PeekLock {
		return nil // receive-and-delete: pass-through, transport's own refresh applies
	}
	if initial == 0 {
		return nil
	}
	if err := link.AddCredit(ctx, initial); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.CreditsIssued.Add(float64(initial))
	}
	return nil
}

// ScheduleMessageSettle registers a lock token as pending (delayed)
// settlement and accounts for its credit immediately, since the credit
// is "already counted at scheduling time" (§4.5, §8). Inserting the same
// token twice is a no-op (§3 "Pending-settle set").
func (m *Manager) ScheduleMessageSettle(token string) {
	m.mu.Lock()
	if _, exists := m.pending[token]; exists {
		m.mu.Unlock()
		return
	}
	m.pending[token] = struct{}{}
	m.additionalCredits++
	m.mu.Unlock()
	_ = m.RefreshCredits(context.Background())
}

// SettleMessage is called when a message is actually settled (complete/
// abandon/dead-letter). If the token was already counted via
// ScheduleMessageSettle, this just clears the pending-set entry without
// double-crediting; otherwise it accounts for the credit now (the
// immediate-settle path).
func (m *Manager) SettleMessage(token string) {
	m.mu.Lock()
	if _, exists := m.pending[token]; exists {
		delete(m.pending, token)
		m.mu.Unlock()
		return
	}
	m.additionalCredits++
	m.mu.Unlock()
	_ = m.RefreshCredits(context.Background())
}

// RefreshCredits issues any accumulated additional credits to the broker,
// if the link has fallen below the refresh threshold (§4.2).
func (m *Manager) RefreshCredits(ctx context.Context) error {
	m.mu.Lock()
	link := m.link
	if link == nil {
		m.mu.Unlock()
		return svcbuserr.New(svcbuserr.NameLinkNotFound, "no receiver link bound to credit manager")
	}
	if link.State() != amqptransport.LinkAttached {
		m.mu.Unlock()
		return nil // sending flow on a detached link is an AMQP protocol error; silently skip
	}
	if m.additionalCredits == 0 || link.LinkCredit() >= m.threshold {
		m.mu.Unlock()
		return nil
	}
	n := m.additionalCredits
	m.additionalCredits = 0
	m.mu.Unlock()

	if err := link.AddCredit(ctx, n); err != nil {
		svclog.With("creditmgr").Warn("addCredits failed", "n", n, "error", err)
		return err
	}
	if m.metrics != nil {
		m.metrics.CreditsIssued.Add(float64(n))
	}
	return nil
}

// PendingCount reports the number of lock tokens currently awaiting a
// delayed settlement, for tests/diagnostics.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
