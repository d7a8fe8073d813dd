// Package sender is the Sender (§4.4): translates a brokered message
// into its AMQP wire form and hands it to a lazily-created sender link,
// racing the broker's disposition against a per-call timeout and
// surfacing a rejected disposition as a distinct error.
//
// Grounded on the teacher's internal/eventbus publisher (lazy link/topic
// creation on first publish, single-flight attach guarded by a mutex)
// and internal/circuitbreaker's race-against-timer idiom for the
// send/timeout race.
package sender

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/svcmetrics"
	"github.com/oriys/svcbus/internal/svctrace"
	"github.com/oriys/svcbus/message"
	"github.com/oriys/svcbus/svcbuserr"
)

// Annotation keys the broker recognizes on outbound messages (§4.4). The
// remaining x-opt-* annotations are broker-assigned on receipt and never
// set by the sender.
const (
	annotationPartitionKey         = "x-opt-partition-key"
	annotationScheduledEnqueueTime = "x-opt-scheduled-enqueue-time"
)

// LinkFactory creates the sender's single AMQP link on first use.
type LinkFactory func(ctx context.Context) (amqptransport.Sender, error)

// Config constructs a Sender.
type Config struct {
	EntityPath      string
	LinkFactory     LinkFactory
	DefaultSendTimeout time.Duration // default 15s per §6 defaultSendTimeoutInMs
	Metrics         *svcmetrics.Collector
}

// Sender is the entity sender (§4.4). Safe for concurrent use; the
// underlying link is created lazily and shared across Send calls.
type Sender struct {
	entityPath  string
	linkFactory LinkFactory
	sendTimeout time.Duration
	metrics     *svcmetrics.Collector

	mu       sync.Mutex
	link     amqptransport.Sender
	disposed bool
}

// New constructs a Sender. It does not create the link eagerly.
func New(cfg Config) *Sender {
	if cfg.DefaultSendTimeout <= 0 {
		cfg.DefaultSendTimeout = 15 * time.Second
	}
	return &Sender{
		entityPath:  cfg.EntityPath,
		linkFactory: cfg.LinkFactory,
		sendTimeout: cfg.DefaultSendTimeout,
		metrics:     cfg.Metrics,
	}
}

// CanSend reports whether the sender currently has an attached link
// capable of accepting a Send call (§4.4 "canSend").
func (s *Sender) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disposed && s.link != nil && s.link.State() == amqptransport.LinkAttached
}

func (s *Sender) ensureLink(ctx context.Context) (amqptransport.Sender, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, svcbuserr.New(svcbuserr.NameSendDisposed, "sender is disposed")
	}
	if s.link != nil && s.link.State() == amqptransport.LinkAttached {
		link := s.link
		s.mu.Unlock()
		return link, nil
	}
	s.mu.Unlock()

	link, err := s.linkFactory(ctx)
	if err != nil {
		return nil, svcbuserr.MapAMQP(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		_ = link.Close(context.Background())
		return nil, svcbuserr.New(svcbuserr.NameSendDisposed, "sender is disposed")
	}
	s.link = link
	return link, nil
}

// toWire translates a brokered message into its AMQP wire form (§4.4
// "Outbound translation").
func toWire(msg *message.Message) *amqptransport.Message {
	wire := msg.WireMessage()
	if wire != nil {
		return wire
	}

	props := &amqptransport.MessageProperties{
		MessageID:      msg.MessageID,
		To:             msg.To,
		Subject:        msg.Label,
		ReplyTo:        msg.ReplyTo,
		ReplyToGroupID: msg.ReplyToSessionID,
		CorrelationID:  msg.CorrelationID,
		ContentType:    msg.ContentType,
		GroupID:        msg.SessionID,
	}
	if !msg.ScheduledEnqueueTimeUTC.IsZero() {
		props.AbsoluteExpiry = msg.ScheduledEnqueueTimeUTC.Add(msg.TimeToLive)
	}

	appProps := make(map[string]any, len(msg.Properties))
	for k, v := range msg.Properties {
		appProps[k] = v
	}

	annotations := make(map[string]any)
	if msg.PartitionKey != "" {
		annotations[annotationPartitionKey] = msg.PartitionKey
	}
	if !msg.ScheduledEnqueueTimeUTC.IsZero() {
		annotations[annotationScheduledEnqueueTime] = msg.ScheduledEnqueueTimeUTC
	}

	var header *amqptransport.MessageHeader
	if msg.TimeToLive > 0 {
		header = &amqptransport.MessageHeader{TTL: msg.TimeToLive}
	}

	return &amqptransport.Message{
		Header:                header,
		Properties:            props,
		ApplicationProperties: appProps,
		Annotations:           annotations,
		Body:                  msg.Body,
	}
}

// Send transmits msg, racing the broker's disposition against timeout
// (defaulting to the sender's configured send timeout). A rejected
// disposition (descriptor 0x25) is surfaced as Send.Rejected; exceeding
// the deadline is surfaced as Send.Timeout (§4.4).
func (s *Sender) Send(ctx context.Context, msg *message.Message, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.sendTimeout
	}

	link, err := s.ensureLink(ctx)
	if err != nil {
		return err
	}

	wire := toWire(msg)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	spanCtx, endSpan := svctrace.StartSpan(sendCtx, "Send", s.entityPath)

	start := time.Now()
	resultCh := make(chan sendResult, 1)
	go func() {
		disp, sendErr := link.Send(spanCtx, wire)
		resultCh <- sendResult{disp: disp, err: sendErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outErr error
	select {
	case r := <-resultCh:
		outErr = resolveDisposition(r)
	case <-timer.C:
		cancel()
		<-resultCh // drain to avoid leaking the Send goroutine
		outErr = svcbuserr.New(svcbuserr.NameSendTimeout, "send did not complete within the configured timeout")
	case <-ctx.Done():
		cancel()
		<-resultCh
		outErr = ctx.Err()
	}

	endSpan(&outErr)
	if s.metrics != nil {
		s.metrics.SendDuration.Observe(time.Since(start).Seconds())
		outcome := "accepted"
		if outErr != nil {
			outcome = "error"
		}
		s.metrics.MessagesSettled.WithLabelValues(outcome).Inc()
	}
	return outErr
}

type sendResult struct {
	disp *amqptransport.Disposition
	err  error
}

func resolveDisposition(r sendResult) error {
	if r.err != nil {
		return svcbuserr.MapAMQP(r.err)
	}
	if r.disp == nil {
		return nil
	}
	if r.disp.Outcome == amqptransport.OutcomeRejected || r.disp.Descriptor == amqptransport.RejectedDescriptor {
		msg := "message rejected by broker"
		if r.disp.Error != nil {
			msg = r.disp.Error.Description
		}
		return svcbuserr.New(svcbuserr.NameSendRejected, msg)
	}
	return nil
}

// Dispose closes the underlying link, if any. Idempotent.
func (s *Sender) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	link := s.link
	s.link = nil
	s.mu.Unlock()

	if link == nil {
		return nil
	}
	return link.Close(ctx)
}
