// Package message is the brokered message data carrier and settlement
// surface: the user-visible body/properties/scalar fields (§3 "Brokered
// message"), plus the peek-lock settlement primitives (complete, abandon,
// dead-letter, renew-lock) an inbound message exposes (§4.5).
package message

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/locktoken"
	"github.com/oriys/svcbus/internal/svclog"
	"github.com/oriys/svcbus/svcbuserr"
)

// ProcessingState is the inbound message's settlement lifecycle state (§3).
type ProcessingState int

const (
	// None is the state of a user-constructed (outbound) message.
	None ProcessingState = iota
	// Active is a received, unsettled message.
	Active
	// Settling is a message whose settlement has been scheduled via a delay timer.
	Settling
	Settled
	SettleFailed
)

func (s ProcessingState) String() string {
	switch s {
	case None:
		return "None"
	case Active:
		return "Active"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	case SettleFailed:
		return "SettleFailed"
	default:
		return "Unknown"
	}
}

// CreditManager is the subset of creditmgr.Manager the message needs to
// account for settlement credit. Declared locally to avoid message
// importing the creditmgr package.
type CreditManager interface {
	ScheduleMessageSettle(token string)
	SettleMessage(token string)
}

// LockRenewer is the subset of mgmtclient.Client the message needs for
// RenewLock. Declared locally for the same reason.
type LockRenewer interface {
	RenewLock(ctx context.Context, token string) error
}

// SettleErrorHandler is invoked when a settlement (immediate or delayed)
// fails, either because the receiver link is no longer attached or because
// the link returned an error for the disposition; it is how
// settleError is "emitted" per spec.md's propagation policy (never
// raised synchronously to the handler).
type SettleErrorHandler func(msg *Message, err error)

// Message is the brokered message: the outbound data carrier built by a
// caller, and (once received) the inbound specialization carrying lock
// token, processing state and the settlement surface.
type Message struct {
	mu sync.Mutex

	// User-facing fields (§3, §6 outbound mapping table).
	Body                    []byte
	Properties              map[string]any
	ContentType             string
	CorrelationID           string
	MessageID               string
	Label                   string // AMQP subject
	ReplyTo                 string
	ReplyToSessionID        string
	PartitionKey            string
	SessionID               string
	ScheduledEnqueueTimeUTC time.Time
	TimeToLive              time.Duration
	To                      string

	// Read-only, populated on receive (§3, §6 inbound mapping).
	DeliveryCount           uint32
	EnqueuedSequenceNumber  int64
	EnqueuedTimeUTC         time.Time
	LockedUntilUTC          time.Time
	ExpiresAtUTC            time.Time
	SequenceNumber          int64
	LockToken               string
	rawAnnotations          map[string]any

	// Inbound-only settlement state.
	processingState ProcessingState
	receiverLink    amqptransport.Receiver
	managementClient LockRenewer
	creditManager   CreditManager
	wireMessage     *amqptransport.Message
	deliveryTag     []byte
	delayTimer      *time.Timer
	onSettleError   SettleErrorHandler
}

// New constructs an outbound, user-facing message. MessageID defaults to
// a freshly generated v4 UUID, per §3's construction invariant.
func New(body []byte) *Message {
	return &Message{
		Body:       body,
		Properties: make(map[string]any),
		MessageID:  uuid.NewString(),
	}
}

// RawAnnotations returns a defensive copy of every message-annotation key
// the broker attached, including ones the named scalars above don't cover.
// [EXPANSION] beyond spec.md's field list — see SPEC_FULL.md §3.
func (m *Message) RawAnnotations() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.rawAnnotations))
	for k, v := range m.rawAnnotations {
		out[k] = v
	}
	return out
}

// IsSettled reports whether the message has reached a terminal settled state.
func (m *Message) IsSettled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processingState == Settled
}

// State returns the current processing state.
func (m *Message) State() ProcessingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processingState
}

// inboundConfig bundles the dependencies newInbound binds to a received message.
type inboundConfig struct {
	ReceiverLink      amqptransport.Receiver
	ManagementClient  LockRenewer
	CreditManager     CreditManager
	InitiallySettled  bool
	OnSettleError     SettleErrorHandler
}

// newInbound constructs the inbound specialization for a single delivery.
// processingState is Settled iff cfg.InitiallySettled (receive-and-delete),
// else Active, per §4.5.
func newInbound(d *amqptransport.Delivery, cfg inboundConfig) (*Message, error) {
	m := &Message{
		Properties:       map[string]any{},
		wireMessage:      d.Message,
		deliveryTag:      d.DeliveryTag,
		receiverLink:     cfg.ReceiverLink,
		managementClient: cfg.ManagementClient,
		creditManager:    cfg.CreditManager,
		onSettleError:    cfg.OnSettleError,
	}
	if cfg.InitiallySettled {
		m.processingState = Settled
	} else {
		m.processingState = Active
	}

	wm := d.Message
	if wm.Header != nil {
		m.DeliveryCount = wm.Header.DeliveryCount
		m.TimeToLive = wm.Header.TTL
	}
	if p := wm.Properties; p != nil {
		m.MessageID = p.MessageID
		m.To = p.To
		m.Label = p.Subject
		m.ReplyTo = p.ReplyTo
		m.ReplyToSessionID = p.ReplyToGroupID
		m.CorrelationID = p.CorrelationID
		m.ContentType = p.ContentType
		m.SessionID = p.GroupID
		m.ExpiresAtUTC = p.AbsoluteExpiry
	}
	for k, v := range wm.ApplicationProperties {
		m.Properties[k] = v
	}
	m.rawAnnotations = make(map[string]any, len(wm.Annotations))
	for k, v := range wm.Annotations {
		m.rawAnnotations[k] = v
	}
	if v, ok := wm.Annotations["x-opt-partition-key"].(string); ok {
		m.PartitionKey = v
	}
	if v, ok := wm.Annotations["x-opt-enqueued-time"].(time.Time); ok {
		m.EnqueuedTimeUTC = v
	}
	if v, ok := wm.Annotations["x-opt-sequence-number"].(int64); ok {
		m.SequenceNumber = v
		m.EnqueuedSequenceNumber = v
	}
	if v, ok := wm.Annotations["x-opt-scheduled-enqueue-time"].(time.Time); ok {
		m.ScheduledEnqueueTimeUTC = v
	}
	if v, ok := wm.Annotations["x-opt-locked-until"].(time.Time); ok {
		m.LockedUntilUTC = v
	}
	m.Body = wm.Body

	if !cfg.InitiallySettled {
		token, err := locktoken.FromDeliveryTag(d.DeliveryTag)
		if err != nil {
			return nil, err
		}
		m.LockToken = token
	}
	return m, nil
}

// NewInbound is the receiver package's entry point for constructing a
// brokered message from a delivery; exported so package receiver (which
// cannot otherwise reach unexported constructors) can call it.
func NewInbound(d *amqptransport.Delivery, receiverLink amqptransport.Receiver, managementClient LockRenewer, creditManager CreditManager, initiallySettled bool, onSettleError SettleErrorHandler) (*Message, error) {
	return newInbound(d, inboundConfig{
		ReceiverLink:     receiverLink,
		ManagementClient: managementClient,
		CreditManager:    creditManager,
		InitiallySettled: initiallySettled,
		OnSettleError:    onSettleError,
	})
}

// WireMessage returns the AMQP message an inbound message was built from
// (nil for a message built with New). The sender sends a non-nil wire
// message as-is instead of translating the named fields; not part of the
// user API surface.
func (m *Message) WireMessage() *amqptransport.Message { return m.wireMessage }

type settleOutcome int

const (
	outcomeComplete settleOutcome = iota
	outcomeAbandon
	outcomeDeadLetter
)

// Complete accepts the message (peek-lock only). delay, if > 0, defers the
// actual disposition by that duration (§4.5 "delayed settle").
func (m *Message) Complete(ctx context.Context, delay time.Duration) error {
	return m.settle(ctx, outcomeComplete, delay)
}

// Abandon releases the lock back to the broker for redelivery (a "modify" disposition).
func (m *Message) Abandon(ctx context.Context, delay time.Duration) error {
	return m.settle(ctx, outcomeAbandon, delay)
}

// DeadLetter rejects the message to its dead-letter sub-queue.
func (m *Message) DeadLetter(ctx context.Context, delay time.Duration) error {
	return m.settle(ctx, outcomeDeadLetter, delay)
}

func (m *Message) settle(ctx context.Context, outcome settleOutcome, delay time.Duration) error {
	m.mu.Lock()
	if m.creditManager == nil {
		m.mu.Unlock()
		return svcbuserr.New(svcbuserr.NameLinkCreditManagerMissing, "no credit manager bound to this message")
	}
	if m.processingState != Active {
		state := m.processingState
		m.mu.Unlock()
		return svcbuserr.New(svcbuserr.NameMessageSettleFailure, "message is not Active: "+state.String())
	}

	if delay > 0 {
		m.processingState = Settling
		token := m.LockToken
		cm := m.creditManager
		cm.ScheduleMessageSettle(token)
		timer := time.AfterFunc(delay, func() {
			m.executeDisposition(context.Background(), outcome)
		})
		m.delayTimer = timer
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.executeDisposition(ctx, outcome)
}

// executeDisposition performs the actual wire disposition and always
// returns the settlement credit exactly once, whatever the outcome — the
// "finally block" discipline required by §4.5.
func (m *Message) executeDisposition(ctx context.Context, outcome settleOutcome) error {
	m.mu.Lock()
	link := m.receiverLink
	token := m.LockToken
	cm := m.creditManager
	wire := m.wireMessage
	tag := m.deliveryTag
	onErr := m.onSettleError
	m.mu.Unlock()

	defer func() {
		if cm != nil {
			cm.SettleMessage(token)
		}
	}()

	if link == nil || link.State() != amqptransport.LinkAttached {
		err := svcbuserr.New(svcbuserr.NameMessageSettleFailure, "receiver link is not attached")
		m.mu.Lock()
		m.processingState = SettleFailed
		m.mu.Unlock()
		if onErr != nil {
			onErr(m, err)
		}
		return err
	}

	delivery := &amqptransport.Delivery{Message: wire, DeliveryTag: tag}
	var err error
	switch outcome {
	case outcomeComplete:
		err = link.Accept(ctx, delivery)
	case outcomeAbandon:
		err = link.Modify(ctx, delivery, false)
	case outcomeDeadLetter:
		err = link.Reject(ctx, delivery, &amqptransport.Condition{Domain: "amqp", Name: "rejected", Description: "dead-lettered by application"})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.processingState = SettleFailed
		svclog.With("message").Warn("settlement disposition failed", "lock_token", token, "error", err)
		if onErr != nil {
			onErr(m, err)
		}
		return err
	}
	m.processingState = Settled
	m.receiverLink = nil
	m.managementClient = nil
	m.creditManager = nil
	return nil
}

// RenewLock asks the management client to extend the peek-lock, re-raising
// its two distinguished failure modes per §4.5.
func (m *Message) RenewLock(ctx context.Context) error {
	m.mu.Lock()
	state := m.processingState
	mc := m.managementClient
	token := m.LockToken
	m.mu.Unlock()

	if state == Settled || state == SettleFailed || mc == nil {
		return nil
	}

	err := mc.RenewLock(ctx, token)
	if err == nil {
		return nil
	}
	if svcbuserr.Is(err, svcbuserr.NameInternalRequestTimeout) {
		return svcbuserr.Wrap(svcbuserr.NameMessageLockRenewalTimeout, "lock renewal timed out", err, nil)
	}
	if svcbuserr.Is(err, svcbuserr.NameInternalRequestFailure) {
		var fields map[string]any
		var se *svcbuserr.Error
		if as, ok := err.(*svcbuserr.Error); ok {
			se = as
			fields = se.Fields
		}
		return svcbuserr.Wrap(svcbuserr.NameMessageLockRenewalFailure, "lock renewal failed", err, fields)
	}
	return svcbuserr.Wrap(svcbuserr.NameMessageLockRenewalFailure, "lock renewal failed", err, nil)
}

// StopDelayedSettle cancels a pending delayed-settle timer so its
// disposition never runs; the message stays in the Settling state.
// Receiver.Dispose does not call it.
func (m *Message) StopDelayedSettle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delayTimer != nil {
		m.delayTimer.Stop()
	}
}
