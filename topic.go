package svcbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/svcbus/config"
	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/receiver"
	"github.com/oriys/svcbus/internal/sender"
	"github.com/oriys/svcbus/message"
)

func subscriptionPath(topic, subscription string) string {
	return topic + "/Subscriptions/" + subscription
}

// TopicHandle is the per-topic-name entity handle (§4.8): like
// QueueHandle, but the receiver-facing operations take a subscriptionName
// and the handle caches one Receiver per subscription plus one per
// subscription's dead-letter sub-queue.
type TopicHandle struct {
	client *Client
	name   string
	events chan HandleEvent

	mu          sync.Mutex
	snd         *sender.Sender
	subs        map[string]*receiver.Receiver
	deadSubs    map[string]*receiver.Receiver
	wasAttached bool
}

func newTopicHandle(c *Client, name string) *TopicHandle {
	return &TopicHandle{
		client:   c,
		name:     name,
		events:   make(chan HandleEvent, 16),
		subs:     make(map[string]*receiver.Receiver),
		deadSubs: make(map[string]*receiver.Receiver),
	}
}

// Events returns the channel SENDER_DETACHED/SENDER_REATTACHED notifications arrive on.
func (t *TopicHandle) Events() <-chan HandleEvent { return t.events }

func (t *TopicHandle) emit(ev HandleEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *TopicHandle) ensureSender() *sender.Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snd != nil {
		return t.snd
	}
	t.snd = sender.New(sender.Config{
		EntityPath:         t.name,
		DefaultSendTimeout: t.client.opts.DefaultSendTimeout,
		Metrics:            t.client.metrics,
		LinkFactory:        t.senderLinkFactory(),
	})
	return t.snd
}

func (t *TopicHandle) senderLinkFactory() sender.LinkFactory {
	return func(ctx context.Context) (amqptransport.Sender, error) {
		lease, err := t.client.pool.Lease(ctx, 1)
		if err != nil {
			return nil, err
		}
		session, err := lease.Connection.NewSession(ctx)
		if err != nil {
			lease.Release()
			return nil, err
		}
		link, err := session.NewSender(ctx, amqptransport.LinkPolicy{
			Name:          "sender$" + uuid.NewString(),
			TargetAddress: t.name,
		})
		if err != nil {
			_ = session.Close(ctx)
			lease.Release()
			return nil, err
		}
		go t.forwardSenderEvents(link)
		return link, nil
	}
}

func (t *TopicHandle) forwardSenderEvents(link amqptransport.Sender) {
	for ev := range link.Events() {
		switch ev.Type {
		case amqptransport.LinkEventAttached:
			t.mu.Lock()
			first := !t.wasAttached
			t.wasAttached = true
			t.mu.Unlock()
			if !first {
				t.emit(HandleEvent{Type: SenderReattached})
			}
		case amqptransport.LinkEventDetached:
			t.emit(HandleEvent{Type: SenderDetached, Err: ev.Info})
		}
	}
}

// Send publishes msg to the topic, creating the sender link lazily.
func (t *TopicHandle) Send(ctx context.Context, msg *message.Message, timeout time.Duration) error {
	return t.ensureSender().Send(ctx, msg, timeout)
}

// CanSend reports whether the topic's sender currently has an attached link.
func (t *TopicHandle) CanSend() bool {
	t.mu.Lock()
	snd := t.snd
	t.mu.Unlock()
	return snd != nil && snd.CanSend()
}

// DisposeSender closes the topic's sender link, if any.
func (t *TopicHandle) DisposeSender(ctx context.Context) error {
	t.mu.Lock()
	snd := t.snd
	t.snd = nil
	t.mu.Unlock()
	if snd == nil {
		return nil
	}
	return snd.Dispose(ctx)
}

// OnMessage starts (or returns the already-running) streaming receiver
// for subscriptionName on this topic (§4.8).
func (t *TopicHandle) OnMessage(ctx context.Context, subscriptionName string, opts config.ReceiverOptions, listener receiver.Listener) (*receiver.Receiver, error) {
	t.mu.Lock()
	if r, ok := t.subs[subscriptionName]; ok {
		t.mu.Unlock()
		return r, nil
	}
	t.mu.Unlock()

	r, err := receiver.Start(ctx, receiver.Config{
		EntityPath: subscriptionPath(t.name, subscriptionName),
		Pool:       t.client.pool,
		Mode:       opts.ReceiveMode,
		Options:    opts,
		Listener:   listener,
		Metrics:    t.client.metrics,
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.subs[subscriptionName] = r
	t.mu.Unlock()
	return r, nil
}

// OnDeadLetteredMessage starts a streaming receiver on subscriptionName's
// dead-letter sub-queue.
func (t *TopicHandle) OnDeadLetteredMessage(ctx context.Context, subscriptionName string, opts config.ReceiverOptions, listener receiver.Listener) (*receiver.Receiver, error) {
	t.mu.Lock()
	if r, ok := t.deadSubs[subscriptionName]; ok {
		t.mu.Unlock()
		return r, nil
	}
	t.mu.Unlock()

	r, err := receiver.Start(ctx, receiver.Config{
		EntityPath: deadLetterPath(subscriptionPath(t.name, subscriptionName)),
		Pool:       t.client.pool,
		Mode:       opts.ReceiveMode,
		Options:    opts,
		Listener:   listener,
		Metrics:    t.client.metrics,
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.deadSubs[subscriptionName] = r
	t.mu.Unlock()
	return r, nil
}

// ReceiveBatch pulls up to n messages from subscriptionName via a
// transient receiver (§4.7).
func (t *TopicHandle) ReceiveBatch(ctx context.Context, subscriptionName string, n int, opts config.BatchReceiveOptions) ([]*message.Message, error) {
	return receiver.ReceiveBatch(ctx, t.client.pool, subscriptionPath(t.name, subscriptionName), n, opts)
}

// Receive pulls a single message from subscriptionName, or nil if none
// arrived before the timeout.
func (t *TopicHandle) Receive(ctx context.Context, subscriptionName string, opts config.BatchReceiveOptions) (*message.Message, error) {
	messages, err := t.ReceiveBatch(ctx, subscriptionName, 1, opts)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages[0], nil
}

func (t *TopicHandle) dispose(ctx context.Context) {
	t.mu.Lock()
	snd := t.snd
	subs := t.subs
	deadSubs := t.deadSubs
	t.snd = nil
	t.subs = nil
	t.deadSubs = nil
	t.mu.Unlock()

	if snd != nil {
		_ = snd.Dispose(ctx)
	}
	for _, r := range subs {
		_ = r.Dispose(ctx)
	}
	for _, r := range deadSubs {
		_ = r.Dispose(ctx)
	}
}
