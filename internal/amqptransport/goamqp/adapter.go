// Package goamqp adapts github.com/Azure/go-amqp to the engine's
// amqptransport contract. It is intentionally thin: all link-lifecycle,
// credit and settlement policy lives in the engine packages, not here.
package goamqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	amqp "github.com/Azure/go-amqp"

	"github.com/oriys/svcbus/internal/amqptransport"
)

// Dialer dials real AMQP 1.0 connections over TLS.
type Dialer struct{}

func NewDialer() Dialer { return Dialer{} }

func (Dialer) Dial(ctx context.Context, amqpURL string) (amqptransport.Connection, error) {
	conn, err := amqp.Dial(ctx, amqpURL, &amqp.ConnOptions{
		SASLType: amqp.SASLTypePlain("", ""), // credentials are already embedded in amqpURL userinfo
	})
	if err != nil {
		return nil, fmt.Errorf("goamqp: dial: %w", err)
	}
	return &connection{conn: conn}, nil
}

type connection struct{ conn *amqp.Conn }

func (c *connection) NewSession(ctx context.Context) (amqptransport.Session, error) {
	s, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("goamqp: new session: %w", err)
	}
	return &session{sess: s}, nil
}

func (c *connection) Close(ctx context.Context) error {
	return c.conn.Close()
}

type session struct{ sess *amqp.Session }

func (s *session) NewSender(ctx context.Context, policy amqptransport.LinkPolicy) (amqptransport.Sender, error) {
	mixed := amqp.SenderSettleModeMixed
	opts := &amqp.SenderOptions{
		Name:           policy.Name,
		SourceAddress:  policy.SourceAddress,
		SettlementMode: &mixed,
	}
	snd, err := s.sess.NewSender(ctx, policy.TargetAddress, opts)
	if err != nil {
		return nil, fmt.Errorf("goamqp: new sender %q: %w", policy.Name, err)
	}
	w := &sender{snd: snd, events: make(chan amqptransport.LinkEvent, 8)}
	w.state.Store(int32(amqptransport.LinkAttached))
	return w, nil
}

func (s *session) NewReceiver(ctx context.Context, policy amqptransport.LinkPolicy) (amqptransport.Receiver, error) {
	mode := amqp.ReceiverSettleModeFirst
	if policy.RcvSettleMode == amqptransport.SettleOnDisposition {
		mode = amqp.ReceiverSettleModeSecond
	}
	opts := &amqp.ReceiverOptions{
		Name:           policy.Name,
		TargetAddress:  policy.TargetAddress,
		SettlementMode: &mode,
		Credit:         int32(policy.CreditQuantum),
		ManualCredits:  policy.ManualCredit,
	}
	rcv, err := s.sess.NewReceiver(ctx, policy.SourceAddress, opts)
	if err != nil {
		return nil, fmt.Errorf("goamqp: new receiver %q: %w", policy.Name, err)
	}
	w := &receiver{rcv: rcv, events: make(chan amqptransport.LinkEvent, 8)}
	w.state.Store(int32(amqptransport.LinkAttached))
	w.credit.Store(int64(policy.CreditQuantum))
	return w, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

type sender struct {
	snd    *amqp.Sender
	state  atomic.Int32
	events chan amqptransport.LinkEvent
}

func (w *sender) Send(ctx context.Context, msg *amqptransport.Message) (*amqptransport.Disposition, error) {
	wire := toWireMessage(msg)
	err := w.snd.Send(ctx, wire, nil)
	if err != nil {
		if rejected, ok := asRejected(err); ok {
			return rejected, nil
		}
		return nil, err
	}
	return &amqptransport.Disposition{Outcome: amqptransport.OutcomeAccepted}, nil
}

func (w *sender) State() amqptransport.LinkState {
	return amqptransport.LinkState(w.state.Load())
}

func (w *sender) Events() <-chan amqptransport.LinkEvent { return w.events }

func (w *sender) Close(ctx context.Context) error {
	w.state.Store(int32(amqptransport.LinkDetached))
	return w.snd.Close(ctx)
}

type receiver struct {
	rcv    *amqp.Receiver
	mu     sync.Mutex
	state  atomic.Int32
	credit atomic.Int64
	events chan amqptransport.LinkEvent
}

func (w *receiver) Receive(ctx context.Context) (*amqptransport.Delivery, error) {
	m, err := w.rcv.Receive(ctx, nil)
	if err != nil {
		return nil, err
	}
	return fromWireMessage(m), nil
}

func (w *receiver) Accept(ctx context.Context, d *amqptransport.Delivery) error {
	return w.rcv.AcceptMessage(ctx, toNativeMessage(d))
}

func (w *receiver) Reject(ctx context.Context, d *amqptransport.Delivery, cond *amqptransport.Condition) error {
	var amqpErr *amqp.Error
	if cond != nil {
		amqpErr = &amqp.Error{Condition: amqp.ErrCond(cond.Domain + ":" + cond.Name), Description: cond.Description}
	}
	return w.rcv.RejectMessage(ctx, toNativeMessage(d), amqpErr)
}

func (w *receiver) Modify(ctx context.Context, d *amqptransport.Delivery, deliveryFailed bool) error {
	return w.rcv.ModifyMessage(ctx, toNativeMessage(d), &amqp.ModifyMessageOptions{
		DeliveryFailed: deliveryFailed,
	})
}

func (w *receiver) Release(ctx context.Context, d *amqptransport.Delivery) error {
	return w.rcv.ReleaseMessage(ctx, toNativeMessage(d))
}

func (w *receiver) AddCredit(ctx context.Context, n uint32) error {
	if err := w.rcv.IssueCredit(n); err != nil {
		return err
	}
	w.credit.Add(int64(n))
	return nil
}

func (w *receiver) LinkCredit() uint32 {
	c := w.credit.Load()
	if c < 0 {
		return 0
	}
	return uint32(c)
}

func (w *receiver) State() amqptransport.LinkState {
	return amqptransport.LinkState(w.state.Load())
}

func (w *receiver) Events() <-chan amqptransport.LinkEvent { return w.events }

func (w *receiver) Close(ctx context.Context) error {
	w.state.Store(int32(amqptransport.LinkDetached))
	return w.rcv.Close(ctx)
}

// toWireMessage / fromWireMessage / toNativeMessage / asRejected translate
// between the engine's transport-neutral Message and go-amqp's own
// *amqp.Message, and are the only place that vocabulary crosses over.
func toWireMessage(m *amqptransport.Message) *amqp.Message {
	wire := &amqp.Message{Data: [][]byte{m.Body}}
	if m.Value != nil {
		wire.Value = toWireValue(m.Value)
		wire.Data = nil
	}
	if m.Header != nil {
		wire.Header = &amqp.MessageHeader{DeliveryCount: m.Header.DeliveryCount}
	}
	if p := m.Properties; p != nil {
		wire.Properties = &amqp.MessageProperties{
			MessageID:      p.MessageID,
			To:             &p.To,
			Subject:        &p.Subject,
			ReplyTo:        &p.ReplyTo,
			ReplyToGroupID: p.ReplyToGroupID,
			CorrelationID:  p.CorrelationID,
			ContentType:    &p.ContentType,
			GroupID:        p.GroupID,
		}
	}
	if len(m.ApplicationProperties) > 0 {
		wire.ApplicationProperties = m.ApplicationProperties
	}
	if len(m.Annotations) > 0 {
		wire.Annotations = amqp.Annotations(m.Annotations)
	}
	return wire
}

// toWireValue translates the engine's transport-neutral described-type
// value into go-amqp's own amqp.DescribedType, which is the only shape
// its encoder recognizes for a described body (everything else is passed
// through verbatim).
func toWireValue(v any) any {
	if dt, ok := v.(amqptransport.DescribedType); ok {
		return &amqp.DescribedType{Descriptor: dt.Descriptor, Value: dt.Value}
	}
	return v
}

// fromWireValue is toWireValue's inverse, applied to inbound message
// values (e.g. a described-type management response body).
func fromWireValue(v any) any {
	if dt, ok := v.(*amqp.DescribedType); ok {
		return amqptransport.DescribedType{Descriptor: dt.Descriptor, Value: dt.Value}
	}
	return v
}

func fromWireMessage(m *amqp.Message) *amqptransport.Delivery {
	out := &amqptransport.Message{}
	if len(m.Data) > 0 {
		out.Body = m.Data[0]
	}
	out.Value = fromWireValue(m.Value)
	if m.Header != nil {
		out.Header = &amqptransport.MessageHeader{DeliveryCount: m.Header.DeliveryCount}
	}
	if p := m.Properties; p != nil {
		out.Properties = &amqptransport.MessageProperties{
			MessageID:     fmt.Sprint(p.MessageID),
			CorrelationID: fmt.Sprint(p.CorrelationID),
		}
		if p.To != nil {
			out.Properties.To = *p.To
		}
		if p.Subject != nil {
			out.Properties.Subject = *p.Subject
		}
		if p.ReplyTo != nil {
			out.Properties.ReplyTo = *p.ReplyTo
		}
		out.Properties.ReplyToGroupID = p.ReplyToGroupID
		if p.ContentType != nil {
			out.Properties.ContentType = *p.ContentType
		}
		out.Properties.GroupID = p.GroupID
	}
	if len(m.ApplicationProperties) > 0 {
		out.ApplicationProperties = m.ApplicationProperties
	}
	if len(m.Annotations) > 0 {
		out.Annotations = map[string]any(m.Annotations)
	}
	return &amqptransport.Delivery{Message: out, DeliveryTag: m.DeliveryTag}
}

// toNativeMessage reconstructs the minimal *amqp.Message go-amqp needs to
// settle a delivery: the library keys settlement off the DeliveryTag it
// handed us on Receive, so only that needs to round-trip.
func toNativeMessage(d *amqptransport.Delivery) *amqp.Message {
	return &amqp.Message{DeliveryTag: d.DeliveryTag}
}

// asRejected recognizes a delivery-level rejection and turns it into a
// Disposition instead of a plain error, so callers can distinguish "broker
// rejected this message" from "the send itself failed at the transport
// level". The broker is free to put any standard (or vendor) condition on
// a Rejected outcome's error, so the condition value itself can't be used
// to tell a rejection apart from other failures; what does distinguish
// them is the error's shape. go-amqp reports link/session/connection
// failures as *amqp.LinkError / *amqp.SessionError / *amqp.ConnError
// (wrapping the remote's *amqp.Error as the detach/close reason), while a
// delivery outcome's own error comes back as a bare *amqp.Error. A bare
// *amqp.Error from Send is therefore the rejected-disposition case.
func asRejected(err error) (*amqptransport.Disposition, bool) {
	if err == nil {
		return nil, false
	}
	var linkErr *amqp.LinkError
	var sessErr *amqp.SessionError
	var connErr *amqp.ConnError
	if errors.As(err, &linkErr) || errors.As(err, &sessErr) || errors.As(err, &connErr) {
		return nil, false
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return nil, false
	}
	cond := toCondition(amqpErr)
	return &amqptransport.Disposition{
		Outcome:    amqptransport.OutcomeRejected,
		Descriptor: amqptransport.RejectedDescriptor,
		Error:      &cond,
	}, true
}

func toCondition(e *amqp.Error) amqptransport.Condition {
	return amqptransport.Condition{Domain: "amqp", Name: strings.TrimPrefix(string(e.Condition), "amqp:"), Description: e.Description}
}
