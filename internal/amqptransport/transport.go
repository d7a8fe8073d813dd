// Package amqptransport defines the contract the message-flow engine
// requires from an AMQP 1.0 transport: dialing, sessions, sender and
// receiver links with a per-link policy, delivery callbacks, flow
// credits, and settlement dispositions.
//
// Framing, SASL, flow-control primitives and session/link open-close are
// the transport's problem, not the engine's; this package only names the
// shape the engine is written against. The concrete adapter over
// github.com/Azure/go-amqp lives in the sibling goamqp package; a second
// implementation, transporttest.Fake, backs every engine-level test.
package amqptransport

import (
	"context"
	"time"
)

// ReceiverSettleMode mirrors the two modes the engine cares about.
type ReceiverSettleMode int

const (
	// SettleOnDisposition requires an explicit accept/reject/modify/release
	// per delivery (peek-lock).
	SettleOnDisposition ReceiverSettleMode = iota
	// SettleOnSend auto-settles on the wire the moment the message is sent
	// by the broker (receive-and-delete).
	SettleOnSend
)

// LinkState is the attach state of a sender or receiver link.
type LinkState int

const (
	LinkDetached LinkState = iota
	LinkAttaching
	LinkAttached
)

// LinkEventType distinguishes the two link lifecycle events the engine observes.
type LinkEventType int

const (
	LinkEventAttached LinkEventType = iota
	LinkEventDetached
)

// LinkEvent is delivered on a link's event channel whenever its attach
// state changes. Info carries the detach reason, if any.
type LinkEvent struct {
	Type LinkEventType
	Name string
	Info error
}

// Condition is a structured AMQP error condition: a symbolic domain/name
// pair plus a human description, e.g. {"amqp", "not-found", "entity ... does not exist"}.
type Condition struct {
	Domain      string // "amqp" for the standard error conditions
	Name        string // e.g. "not-found", "unauthorized-access"
	Description string
}

func (c *Condition) Error() string {
	if c == nil {
		return ""
	}
	return c.Domain + ":" + c.Name + ": " + c.Description
}

// MessageHeader carries the subset of the AMQP header section the engine reads.
type MessageHeader struct {
	DeliveryCount uint32
	TTL           time.Duration
}

// MessageProperties carries the subset of the AMQP properties section the engine reads/writes.
type MessageProperties struct {
	MessageID        string
	To               string
	Subject          string
	ReplyTo          string
	ReplyToGroupID   string
	CorrelationID    string
	ContentType      string
	GroupID          string
	AbsoluteExpiry   time.Time
	CreationTime     time.Time
}

// DescribedType is a described AMQP value: a descriptor code plus the
// wrapped value, as used by management request/response bodies (e.g. the
// renew-lock operation's 0x77-described lock-token map). The goamqp
// adapter translates this into the underlying engine's own described-type
// representation at the wire boundary.
type DescribedType struct {
	Descriptor uint64
	Value      any
}

// Message is the wire-level AMQP message the engine builds for sending and
// receives on delivery. Annotations and ApplicationProperties are generic
// maps because the broker is free to add message-annotation keys the
// engine doesn't know about.
type Message struct {
	Header                *MessageHeader
	Properties             *MessageProperties
	ApplicationProperties  map[string]any
	Annotations            map[string]any
	DeliveryAnnotations    map[string]any
	Body                   []byte
	Value                  any // used for described-type bodies (management requests/responses); see DescribedType
}

// Delivery wraps an inbound Message with the metadata needed to settle it.
type Delivery struct {
	Message     *Message
	DeliveryTag []byte
	Settled     bool // true if the broker already settled on send (receive-and-delete)
}

// OutcomeType is the disposition outcome reported back for a sent message.
type OutcomeType int

const (
	OutcomeAccepted OutcomeType = iota
	OutcomeRejected
	OutcomeReleased
	OutcomeModified
)

// RejectedDescriptor is the AMQP described-type descriptor code for a
// rejected outcome (amqp:rejected:list, 0x00000000:0x00000025).
const RejectedDescriptor uint64 = 0x25

// Disposition is the broker's acknowledgement for a message handed to Send.
type Disposition struct {
	Outcome    OutcomeType
	Descriptor uint64
	Error      *Condition
}

// LinkPolicy configures a sender or receiver link at creation time.
type LinkPolicy struct {
	Name          string
	TargetAddress string // receiver: own address advertised as target; sender: destination
	SourceAddress string // sender: own address advertised as source; receiver: source to pull from
	RcvSettleMode ReceiverSettleMode
	CreditQuantum uint32 // initial receiver credit; ignored for senders
	ManualCredit  bool   // true disables the transport's own credit auto-refresh
}

// Dialer opens connections to the broker endpoint.
type Dialer interface {
	Dial(ctx context.Context, amqpURL string) (Connection, error)
}

// Connection is one AMQP 1.0 connection, multiplexing many sessions/links.
type Connection interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is an AMQP session: a context for creating sender and receiver links.
type Session interface {
	NewSender(ctx context.Context, policy LinkPolicy) (Sender, error)
	NewReceiver(ctx context.Context, policy LinkPolicy) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender is an AMQP 1.0 sender link.
type Sender interface {
	// Send transmits msg and blocks until the broker's disposition arrives
	// or ctx is done.
	Send(ctx context.Context, msg *Message) (*Disposition, error)
	State() LinkState
	Events() <-chan LinkEvent
	Close(ctx context.Context) error
}

// Receiver is an AMQP 1.0 receiver link.
type Receiver interface {
	// Receive blocks until the next delivery arrives or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Accept(ctx context.Context, d *Delivery) error
	Reject(ctx context.Context, d *Delivery, cond *Condition) error
	Modify(ctx context.Context, d *Delivery, deliveryFailed bool) error
	Release(ctx context.Context, d *Delivery) error
	// AddCredit issues n additional flow credits to the broker.
	AddCredit(ctx context.Context, n uint32) error
	LinkCredit() uint32
	State() LinkState
	Events() <-chan LinkEvent
	Close(ctx context.Context) error
}
