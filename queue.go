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

// HandleEventType distinguishes the events an entity handle forwards on
// its Events() channel, beyond whatever the underlying Receiver already
// reports (§4.8 "forwards sender detached/reattached").
type HandleEventType int

const (
	SenderDetached HandleEventType = iota
	SenderReattached
)

// HandleEvent is delivered on a Queue/Topic handle's Events() channel.
type HandleEvent struct {
	Type HandleEventType
	Err  error
}

func deadLetterPath(entityPath string) string { return entityPath + "/$DeadLetterQueue" }

// QueueHandle is the per-queue-name entity handle (§4.8): a lazily
// created Sender, and up to two streaming Receivers (the queue itself and
// its dead-letter sub-queue), all sharing the Client's connection pool.
type QueueHandle struct {
	client *Client
	name   string
	events chan HandleEvent

	mu         sync.Mutex
	snd        *sender.Sender
	mainRecv   *receiver.Receiver
	deadRecv   *receiver.Receiver
	wasAttached bool
}

func newQueueHandle(c *Client, name string) *QueueHandle {
	return &QueueHandle{client: c, name: name, events: make(chan HandleEvent, 16)}
}

// Events returns the channel SENDER_DETACHED/SENDER_REATTACHED notifications arrive on.
func (q *QueueHandle) Events() <-chan HandleEvent { return q.events }

func (q *QueueHandle) emit(ev HandleEvent) {
	select {
	case q.events <- ev:
	default:
	}
}

func (q *QueueHandle) ensureSender() *sender.Sender {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.snd != nil {
		return q.snd
	}
	q.snd = sender.New(sender.Config{
		EntityPath:         q.name,
		DefaultSendTimeout: q.client.opts.DefaultSendTimeout,
		Metrics:            q.client.metrics,
		LinkFactory:        q.senderLinkFactory(),
	})
	return q.snd
}

// senderLinkFactory builds the sender link and spawns a forwarder that
// translates its attach/detach transport events into SENDER_REATTACHED /
// SENDER_DETACHED handle events, per §4.8.
func (q *QueueHandle) senderLinkFactory() sender.LinkFactory {
	return func(ctx context.Context) (amqptransport.Sender, error) {
		lease, err := q.client.pool.Lease(ctx, 1)
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
			TargetAddress: q.name,
		})
		if err != nil {
			_ = session.Close(ctx)
			lease.Release()
			return nil, err
		}
		go q.forwardSenderEvents(link)
		return link, nil
	}
}

func (q *QueueHandle) forwardSenderEvents(link amqptransport.Sender) {
	for ev := range link.Events() {
		switch ev.Type {
		case amqptransport.LinkEventAttached:
			q.mu.Lock()
			first := !q.wasAttached
			q.wasAttached = true
			q.mu.Unlock()
			if !first {
				q.emit(HandleEvent{Type: SenderReattached})
			}
		case amqptransport.LinkEventDetached:
			q.emit(HandleEvent{Type: SenderDetached, Err: ev.Info})
		}
	}
}

// Send transmits msg through this queue's sender, creating the link
// lazily. A zero timeout uses the sender's configured default.
func (q *QueueHandle) Send(ctx context.Context, msg *message.Message, timeout time.Duration) error {
	return q.ensureSender().Send(ctx, msg, timeout)
}

// CanSend reports whether the queue's sender currently has an attached link.
func (q *QueueHandle) CanSend() bool {
	q.mu.Lock()
	snd := q.snd
	q.mu.Unlock()
	return snd != nil && snd.CanSend()
}

// DisposeSender closes the queue's sender link, if any, without tearing
// down the whole handle (§4.8 "disposeSender").
func (q *QueueHandle) DisposeSender(ctx context.Context) error {
	q.mu.Lock()
	snd := q.snd
	q.snd = nil
	q.mu.Unlock()
	if snd == nil {
		return nil
	}
	return snd.Dispose(ctx)
}

// OnMessage starts (or returns the already-running) streaming receiver
// for this queue's main address (§4.8 "onMessage").
func (q *QueueHandle) OnMessage(ctx context.Context, opts config.ReceiverOptions, listener receiver.Listener) (*receiver.Receiver, error) {
	q.mu.Lock()
	if q.mainRecv != nil {
		r := q.mainRecv
		q.mu.Unlock()
		return r, nil
	}
	q.mu.Unlock()

	r, err := receiver.Start(ctx, receiver.Config{
		EntityPath: q.name,
		Pool:       q.client.pool,
		Mode:       opts.ReceiveMode,
		Options:    opts,
		Listener:   listener,
		Metrics:    q.client.metrics,
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.mainRecv = r
	q.mu.Unlock()
	return r, nil
}

// OnDeadLetteredMessage starts a streaming receiver on this queue's
// dead-letter sub-queue (§4.8 "onDeadLetteredMessage").
func (q *QueueHandle) OnDeadLetteredMessage(ctx context.Context, opts config.ReceiverOptions, listener receiver.Listener) (*receiver.Receiver, error) {
	q.mu.Lock()
	if q.deadRecv != nil {
		r := q.deadRecv
		q.mu.Unlock()
		return r, nil
	}
	q.mu.Unlock()

	r, err := receiver.Start(ctx, receiver.Config{
		EntityPath: deadLetterPath(q.name),
		Pool:       q.client.pool,
		Mode:       opts.ReceiveMode,
		Options:    opts,
		Listener:   listener,
		Metrics:    q.client.metrics,
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.deadRecv = r
	q.mu.Unlock()
	return r, nil
}

// ReceiveBatch pulls up to n messages from the queue via a transient
// receiver (§4.8 "receiveBatch", §4.7).
func (q *QueueHandle) ReceiveBatch(ctx context.Context, n int, opts config.BatchReceiveOptions) ([]*message.Message, error) {
	return receiver.ReceiveBatch(ctx, q.client.pool, q.name, n, opts)
}

// Receive pulls a single message from the queue, or nil if none arrived
// before the timeout (§4.8 "receive", a one-message convenience over
// receiveBatch — see DESIGN.md's resolution of this naming).
func (q *QueueHandle) Receive(ctx context.Context, opts config.BatchReceiveOptions) (*message.Message, error) {
	messages, err := receiver.ReceiveBatch(ctx, q.client.pool, q.name, 1, opts)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages[0], nil
}

func (q *QueueHandle) dispose(ctx context.Context) {
	q.mu.Lock()
	snd, main, dead := q.snd, q.mainRecv, q.deadRecv
	q.snd, q.mainRecv, q.deadRecv = nil, nil, nil
	q.mu.Unlock()

	if snd != nil {
		_ = snd.Dispose(ctx)
	}
	if main != nil {
		_ = main.Dispose(ctx)
	}
	if dead != nil {
		_ = dead.Dispose(ctx)
	}
}
