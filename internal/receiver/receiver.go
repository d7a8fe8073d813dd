// Package receiver is the Streaming Receiver (§4.6): it leases a
// connection, attaches a receiver link governed by a credit manager,
// runs a management client alongside it for lock renewal, and invokes
// a user listener per delivery without blocking subsequent deliveries
// on the listener's completion. On detach it tears down and schedules
// a reattach after a backoff interval.
//
// Grounded on the teacher's internal/eventbus subscriber (attach/detach
// event forwarding, a reconnect loop gated by a single in-flight guard)
// and internal/circuitbreaker for the renewal-timer map discipline (at
// most one outstanding timer per key).
package receiver

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/svcbus/config"
	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/connpool"
	"github.com/oriys/svcbus/internal/creditmgr"
	"github.com/oriys/svcbus/internal/mgmtclient"
	"github.com/oriys/svcbus/internal/svclog"
	"github.com/oriys/svcbus/internal/svcmetrics"
	"github.com/oriys/svcbus/message"
	"github.com/oriys/svcbus/svcbuserr"
)

// Listener processes one delivered message. A non-nil return abandons
// the message (if not already settled by the listener itself) and
// suppresses auto-complete, matching §4.6 step 6e.
type Listener func(ctx context.Context, msg *message.Message) error

// EventType distinguishes the receiver's observable events (§4.6 "event emitter").
type EventType int

const (
	EventAttached EventType = iota
	EventDetached
	EventReceiverError
	EventManagementLinkAttached
	EventManagementLinkDetached
)

// Event is delivered on the receiver's Events() channel.
type Event struct {
	Type EventType
	Err  error
}

// Config constructs a Receiver.
type Config struct {
	EntityPath string
	Pool       *connpool.Pool
	Mode       config.ReceiveMode
	Options    config.ReceiverOptions
	Listener   Listener
	Metrics    *svcmetrics.Collector
}

// Receiver is the streaming receiver (§4.6). Safe for concurrent use.
type Receiver struct {
	entityPath string
	pool       *connpool.Pool
	mode       config.ReceiveMode
	options    config.ReceiverOptions
	listener   Listener
	metrics    *svcmetrics.Collector

	events chan Event

	mu             sync.Mutex
	lease          *connpool.Lease
	session        amqptransport.Session
	link           amqptransport.Receiver
	creditMgr      *creditmgr.Manager
	mgmt           *mgmtclient.Client
	timers         map[string]*time.Timer
	deadlines      map[string]time.Time
	listening      bool
	disposed       bool
	reattachQueued bool
	pendingSettle  int
	generation     int
}

// Start constructs a Receiver and performs the initial connect (§4.6 "_connectReceiver").
func Start(ctx context.Context, cfg Config) (*Receiver, error) {
	cfg.Options = cfg.Options.WithDefaults()
	r := &Receiver{
		entityPath: cfg.EntityPath,
		pool:       cfg.Pool,
		mode:       cfg.Mode,
		options:    cfg.Options,
		listener:   cfg.Listener,
		metrics:    cfg.Metrics,
		events:     make(chan Event, 64),
		timers:     make(map[string]*time.Timer),
		deadlines:  make(map[string]time.Time),
	}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Events returns the channel attached/detached/receiverError/
// managementLinkAttached/managementLinkDetached events are delivered on.
func (r *Receiver) Events() <-chan Event { return r.events }

func (r *Receiver) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

// IsListening reports whether the receiver currently has an attached link.
func (r *Receiver) IsListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

// PendingSettleCount reports the number of deliveries whose listener
// invocation has started but not yet settled.
func (r *Receiver) PendingSettleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingSettle
}

// connect performs the full setup described in §4.6 "_connectReceiver".
func (r *Receiver) connect(ctx context.Context) error {
	r.mu.Lock()
	disposed := r.disposed
	r.mu.Unlock()
	if disposed {
		return nil
	}

	maxConcurrent := r.options.MaxConcurrentCalls
	threshold := uint32(math.Ceil(float64(maxConcurrent) / 2))

	cm := creditmgr.New(creditmgr.Config{
		Mode:          creditModeOf(r.mode),
		InitialCredit: uint32(maxConcurrent),
		Threshold:     threshold,
		Metrics:       r.metrics,
	})

	lease, err := r.pool.Lease(ctx, 3)
	if err != nil {
		r.onInitFailure(err)
		return err
	}
	session, err := lease.Connection.NewSession(ctx)
	if err != nil {
		lease.Release()
		r.onInitFailure(err)
		return err
	}

	rcvSettleMode, creditQuantum, manualCredit := cm.Policy()
	link, err := session.NewReceiver(ctx, amqptransport.LinkPolicy{
		Name:          "receiver$" + uuid.NewString(),
		SourceAddress: r.entityPath,
		RcvSettleMode: rcvSettleMode,
		CreditQuantum: creditQuantum,
		ManualCredit:  manualCredit,
	})
	if err != nil {
		_ = session.Close(ctx)
		lease.Release()
		r.onInitFailure(err)
		return err
	}
	if err := cm.SetReceiver(ctx, link); err != nil {
		_ = link.Close(ctx)
		_ = session.Close(ctx)
		lease.Release()
		r.onInitFailure(err)
		return err
	}

	mgmt, err := mgmtclient.New(ctx, mgmtclient.Config{Session: session, EntityPath: r.entityPath, Metrics: r.metrics})
	if err != nil {
		_ = link.Close(ctx)
		_ = session.Close(ctx)
		lease.Release()
		r.onInitFailure(err)
		return err
	}

	r.mu.Lock()
	r.lease = lease
	r.session = session
	r.link = link
	r.creditMgr = cm
	r.mgmt = mgmt
	r.listening = true
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	// The transport's own attached event fires before the engine has
	// finished wiring the credit manager and management client, so it
	// isn't a reliable "ready" signal; synthesize one here instead.
	r.emit(Event{Type: EventAttached})

	go r.forwardLinkEvents(link, gen)
	go r.forwardMgmtEvents(mgmt, gen)
	go r.deliveryLoop(link, gen)
	return nil
}

func creditModeOf(m config.ReceiveMode) creditmgr.Mode {
	if m == config.ReceiveAndDelete {
		return creditmgr.ReceiveAndDelete
	}
	return creditmgr.PeekLock
}

// onInitFailure mirrors the detach path for setup failures (§4.6 step 7).
func (r *Receiver) onInitFailure(err error) {
	r.emit(Event{Type: EventReceiverError, Err: svcbuserr.Wrap(svcbuserr.NameLinkDetach, "receiver initialization failed", err, nil)})
	r.scheduleReattach()
}

func (r *Receiver) forwardLinkEvents(link amqptransport.Receiver, gen int) {
	for ev := range link.Events() {
		if r.staleGeneration(gen) {
			return
		}
		switch ev.Type {
		case amqptransport.LinkEventAttached:
			r.emit(Event{Type: EventAttached})
		case amqptransport.LinkEventDetached:
			r.emit(Event{Type: EventReceiverError, Err: svcbuserr.Wrap(svcbuserr.NameLinkDetach, "receiver link detached", ev.Info, nil)})
			r.emit(Event{Type: EventDetached, Err: ev.Info})
			r.teardown(gen)
			r.scheduleReattach()
			return
		}
	}
}

func (r *Receiver) forwardMgmtEvents(mgmt *mgmtclient.Client, gen int) {
	for ev := range mgmt.Events() {
		if r.staleGeneration(gen) {
			return
		}
		switch ev.Type {
		case mgmtclient.EventLinkAttached:
			r.emit(Event{Type: EventManagementLinkAttached})
		case mgmtclient.EventLinkDetached:
			r.emit(Event{Type: EventManagementLinkDetached, Err: ev.Err})
		case mgmtclient.EventRequestClientError:
			r.emit(Event{Type: EventReceiverError, Err: ev.Err})
		}
	}
}

func (r *Receiver) staleGeneration(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed || r.generation != gen
}

// deliveryLoop implements §4.6 step 6: one goroutine per delivery,
// bounded implicitly by the credit window rather than a queue.
func (r *Receiver) deliveryLoop(link amqptransport.Receiver, gen int) {
	ctx := context.Background()
	for {
		d, err := link.Receive(ctx)
		if err != nil {
			return
		}
		if r.staleGeneration(gen) {
			return
		}
		go r.handleDelivery(d)
	}
}

func (r *Receiver) handleDelivery(d *amqptransport.Delivery) {
	ctx := context.Background()

	r.mu.Lock()
	cm := r.creditMgr
	link := r.link
	mgmt := r.mgmt
	r.pendingSettle++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pendingSettle--
		r.mu.Unlock()
	}()

	if err := cm.RefreshCredits(ctx); err != nil {
		r.emit(Event{Type: EventReceiverError, Err: err})
	}

	settled := r.mode == config.ReceiveAndDelete
	msg, err := message.NewInbound(d, link, mgmt, cm, settled, r.onSettleError)
	if err != nil {
		r.emit(Event{Type: EventReceiverError, Err: fmt.Errorf("receiver: construct inbound message: %w", err)})
		return
	}

	r.scheduleRenewal(msg)

	succeeded := true
	if r.listener != nil {
		if lerr := r.listener(ctx, msg); lerr != nil {
			succeeded = false
			_ = msg.Abandon(ctx, 0)
		}
	}

	if !msg.IsSettled() && r.options.AutoCompleteOrDefault() && succeeded {
		_ = msg.Complete(ctx, 0)
	}
}

func (r *Receiver) onSettleError(msg *message.Message, err error) {
	r.emit(Event{Type: EventReceiverError, Err: err})
}

// scheduleRenewal implements §4.6's renewal scheduling: at most one
// timer per lock token, computed against autoRenewTimeout and the
// fixed renew threshold, dropped once the deadline can no longer be
// met before the next scheduled renewal.
func (r *Receiver) scheduleRenewal(msg *message.Message) {
	token := msg.LockToken
	if token == "" {
		return
	}
	if msg.IsSettled() || msg.State() == message.SettleFailed {
		r.clearRenewal(token)
		return
	}

	autoRenewTimeout := r.options.AutoRenewTimeoutOrDefault()
	if autoRenewTimeout == 0 {
		// Renewal explicitly disabled: never schedule, and drop any timer
		// left over from a prior options value.
		r.clearRenewal(token)
		return
	}
	forever := autoRenewTimeout == config.RenewForever

	r.mu.Lock()
	deadline, exists := r.deadlines[token]
	if !exists && !forever {
		deadline = time.Now().Add(autoRenewTimeout)
		r.deadlines[token] = deadline
	}
	r.mu.Unlock()

	timeUntilRenewal := time.Duration(float64(config.Defaults.ServiceBusDeliveryTimeout) * config.Defaults.RenewThreshold)
	if !forever && deadline.Before(time.Now().Add(timeUntilRenewal)) {
		r.clearRenewal(token)
		return
	}

	timer := time.AfterFunc(timeUntilRenewal, func() { r.renewalFire(msg, token) })

	r.mu.Lock()
	if existing, ok := r.timers[token]; ok {
		existing.Stop()
	}
	r.timers[token] = timer
	r.mu.Unlock()
}

func (r *Receiver) renewalFire(msg *message.Message, token string) {
	if msg.IsSettled() {
		r.clearRenewal(token)
		return
	}
	if err := msg.RenewLock(context.Background()); err != nil {
		r.emit(Event{Type: EventReceiverError, Err: err})
	} else if r.metrics != nil {
		r.metrics.LockRenewals.Inc()
	}
	r.scheduleRenewal(msg)
}

func (r *Receiver) clearRenewal(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[token]; ok {
		t.Stop()
		delete(r.timers, token)
	}
	delete(r.deadlines, token)
}

// scheduleReattach arranges a single in-flight reattach after
// reattachInterval, per §4.6 step 7's "mandatory setTimeout" guard
// against reattach storms.
func (r *Receiver) scheduleReattach() {
	r.mu.Lock()
	if r.disposed || r.reattachQueued {
		r.mu.Unlock()
		return
	}
	r.reattachQueued = true
	r.mu.Unlock()

	time.AfterFunc(r.options.ReattachInterval, func() {
		r.mu.Lock()
		r.reattachQueued = false
		disposed := r.disposed
		r.mu.Unlock()
		if disposed {
			return
		}
		svclog.With("receiver").Info("reattaching", "entity", r.entityPath)
		_ = r.connect(context.Background())
	})
}

// teardown releases everything the current generation owns, without
// disposing the Receiver itself (a reattach will recreate them).
func (r *Receiver) teardown(gen int) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	mgmt := r.mgmt
	link := r.link
	session := r.session
	lease := r.lease
	for token, t := range r.timers {
		t.Stop()
		delete(r.timers, token)
	}
	for token := range r.deadlines {
		delete(r.deadlines, token)
	}
	r.listening = false
	r.mgmt = nil
	r.link = nil
	r.session = nil
	r.lease = nil
	r.mu.Unlock()

	ctx := context.Background()
	if mgmt != nil {
		_ = mgmt.Dispose(ctx)
	}
	if link != nil {
		_ = link.Close(ctx)
	}
	if session != nil {
		_ = session.Close(ctx)
	}
	if lease != nil {
		lease.Release()
	}
}

// Dispose clears all renewal timers, disposes the management client,
// ends the session, detaches the receiver and releases the connection
// lease. Calling Dispose more than once is safe (§4.6 "MessageListener.dispose()").
func (r *Receiver) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	gen := r.generation
	r.mu.Unlock()

	r.teardown(gen)
	return nil
}
