// Package transporttest is an in-memory amqptransport.Dialer used by the
// engine's own tests. It never touches a socket; deliveries, dispositions
// and link events are driven explicitly by the test via channels and
// helper methods, mirroring the way the teacher's backend tests drive a
// fake backend.Client instead of a real Firecracker/Docker process.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/svcbus/internal/amqptransport"
)

// Fake is a Dialer that hands out FakeConnections. Safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	connections []*FakeConnection
	dialErr     error
}

func New() *Fake { return &Fake{} }

// SetDialError makes the next Dial call fail with err.
func (f *Fake) SetDialError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

func (f *Fake) Dial(ctx context.Context, amqpURL string) (amqptransport.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		err := f.dialErr
		f.dialErr = nil
		return nil, err
	}
	c := &FakeConnection{url: amqpURL}
	f.connections = append(f.connections, c)
	return c, nil
}

// Connections returns every connection ever dialed, in dial order.
func (f *Fake) Connections() []*FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeConnection, len(f.connections))
	copy(out, f.connections)
	return out
}

// FakeConnection is a dialed connection; Closed tracks disconnect calls for assertions.
type FakeConnection struct {
	url    string
	mu     sync.Mutex
	Closed bool

	sessions []*FakeSession
}

func (c *FakeConnection) NewSession(ctx context.Context) (amqptransport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &FakeSession{conn: c}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Sessions returns every session ever opened on this connection, in order.
func (c *FakeConnection) Sessions() []*FakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FakeSession, len(c.sessions))
	copy(out, c.sessions)
	return out
}

func (c *FakeConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// FakeSession hands out FakeSender/FakeReceiver links.
type FakeSession struct {
	conn   *FakeConnection
	mu     sync.Mutex
	Closed bool

	senders   []*FakeSender
	receivers []*FakeReceiver
}

func (s *FakeSession) NewSender(ctx context.Context, policy amqptransport.LinkPolicy) (amqptransport.Sender, error) {
	snd := NewFakeSender(policy)
	s.mu.Lock()
	s.senders = append(s.senders, snd)
	s.mu.Unlock()
	return snd, nil
}

func (s *FakeSession) NewReceiver(ctx context.Context, policy amqptransport.LinkPolicy) (amqptransport.Receiver, error) {
	rcv := NewFakeReceiver(policy)
	s.mu.Lock()
	s.receivers = append(s.receivers, rcv)
	s.mu.Unlock()
	return rcv, nil
}

// Senders returns every sender link ever created on this session, in order.
func (s *FakeSession) Senders() []*FakeSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeSender, len(s.senders))
	copy(out, s.senders)
	return out
}

// Receivers returns every receiver link ever created on this session, in order.
func (s *FakeSession) Receivers() []*FakeReceiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeReceiver, len(s.receivers))
	copy(out, s.receivers)
	return out
}

func (s *FakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// FakeSender records every sent message and replies with a scripted
// disposition (accepted by default); tests can queue custom dispositions
// or errors, or withhold a reply entirely to exercise send-timeout paths.
type FakeSender struct {
	Policy amqptransport.LinkPolicy

	mu           sync.Mutex
	state        amqptransport.LinkState
	events       chan amqptransport.LinkEvent
	Sent         []*amqptransport.Message
	replies      []sendReply
	closed       bool
}

type sendReply struct {
	disposition *amqptransport.Disposition
	err         error
	hang        bool
}

func NewFakeSender(policy amqptransport.LinkPolicy) *FakeSender {
	return &FakeSender{
		Policy: policy,
		state:  amqptransport.LinkAttached,
		events: make(chan amqptransport.LinkEvent, 8),
	}
}

// QueueDisposition arranges for the next Send call to return d, nil.
func (s *FakeSender) QueueDisposition(d *amqptransport.Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, sendReply{disposition: d})
}

// QueueError arranges for the next Send call to return err.
func (s *FakeSender) QueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, sendReply{err: err})
}

// QueueHang arranges for the next Send call to never return until ctx is done,
// used to exercise Send.Timeout.
func (s *FakeSender) QueueHang() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, sendReply{hang: true})
}

func (s *FakeSender) Send(ctx context.Context, msg *amqptransport.Message) (*amqptransport.Disposition, error) {
	s.mu.Lock()
	s.Sent = append(s.Sent, msg)
	var reply sendReply
	if len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	} else {
		reply = sendReply{disposition: &amqptransport.Disposition{Outcome: amqptransport.OutcomeAccepted}}
	}
	s.mu.Unlock()

	if reply.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.disposition, nil
}

// SentSnapshot returns a copy of every message sent so far, safe to call
// concurrently with Send.
func (s *FakeSender) SentSnapshot() []*amqptransport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*amqptransport.Message, len(s.Sent))
	copy(out, s.Sent)
	return out
}

func (s *FakeSender) State() amqptransport.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FakeSender) SetState(st amqptransport.LinkState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *FakeSender) Emit(ev amqptransport.LinkEvent) {
	s.events <- ev
}

func (s *FakeSender) Events() <-chan amqptransport.LinkEvent { return s.events }

func (s *FakeSender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FakeReceiver is driven by the test via Deliver/SetState/Emit; Accept/Reject/
// Modify/Release append to the corresponding slice for assertions, and
// AddCredit is tracked cumulatively so credit-manager tests can assert on it.
type FakeReceiver struct {
	Policy amqptransport.LinkPolicy

	mu          sync.Mutex
	state       amqptransport.LinkState
	credit      uint32
	events      chan amqptransport.LinkEvent
	pending     chan *amqptransport.Delivery
	Accepted    []*amqptransport.Delivery
	Rejected    []*amqptransport.Delivery
	Modified    []*amqptransport.Delivery
	Released    []*amqptransport.Delivery
	CreditCalls []uint32
	closed      bool
}

func NewFakeReceiver(policy amqptransport.LinkPolicy) *FakeReceiver {
	return &FakeReceiver{
		Policy:  policy,
		state:   amqptransport.LinkAttached,
		credit:  policy.CreditQuantum,
		events:  make(chan amqptransport.LinkEvent, 8),
		pending: make(chan *amqptransport.Delivery, 256),
	}
}

// Deliver pushes an inbound delivery to the next Receive call.
func (r *FakeReceiver) Deliver(d *amqptransport.Delivery) {
	r.pending <- d
}

func (r *FakeReceiver) Receive(ctx context.Context) (*amqptransport.Delivery, error) {
	select {
	case d := <-r.pending:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *FakeReceiver) Accept(ctx context.Context, d *amqptransport.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != amqptransport.LinkAttached {
		return fmt.Errorf("transporttest: accept on non-attached link")
	}
	r.Accepted = append(r.Accepted, d)
	return nil
}

func (r *FakeReceiver) Reject(ctx context.Context, d *amqptransport.Delivery, cond *amqptransport.Condition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != amqptransport.LinkAttached {
		return fmt.Errorf("transporttest: reject on non-attached link")
	}
	r.Rejected = append(r.Rejected, d)
	return nil
}

func (r *FakeReceiver) Modify(ctx context.Context, d *amqptransport.Delivery, deliveryFailed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != amqptransport.LinkAttached {
		return fmt.Errorf("transporttest: modify on non-attached link")
	}
	r.Modified = append(r.Modified, d)
	return nil
}

func (r *FakeReceiver) Release(ctx context.Context, d *amqptransport.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != amqptransport.LinkAttached {
		return fmt.Errorf("transporttest: release on non-attached link")
	}
	r.Released = append(r.Released, d)
	return nil
}

func (r *FakeReceiver) AddCredit(ctx context.Context, n uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != amqptransport.LinkAttached {
		return fmt.Errorf("transporttest: addCredit on non-attached link")
	}
	r.credit += n
	r.CreditCalls = append(r.CreditCalls, n)
	return nil
}

// AcceptedSnapshot returns a copy of every delivery accepted so far.
func (r *FakeReceiver) AcceptedSnapshot() []*amqptransport.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*amqptransport.Delivery, len(r.Accepted))
	copy(out, r.Accepted)
	return out
}

// ModifiedSnapshot returns a copy of every delivery modified (abandoned) so far.
func (r *FakeReceiver) ModifiedSnapshot() []*amqptransport.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*amqptransport.Delivery, len(r.Modified))
	copy(out, r.Modified)
	return out
}

// RejectedSnapshot returns a copy of every delivery rejected (dead-lettered) so far.
func (r *FakeReceiver) RejectedSnapshot() []*amqptransport.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*amqptransport.Delivery, len(r.Rejected))
	copy(out, r.Rejected)
	return out
}

func (r *FakeReceiver) LinkCredit() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credit
}

func (r *FakeReceiver) State() amqptransport.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *FakeReceiver) SetState(st amqptransport.LinkState) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

func (r *FakeReceiver) Emit(ev amqptransport.LinkEvent) {
	r.events <- ev
}

func (r *FakeReceiver) Events() <-chan amqptransport.LinkEvent { return r.events }

func (r *FakeReceiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
