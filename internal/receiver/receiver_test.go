package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/svcbus/config"
	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/amqptransport/transporttest"
	"github.com/oriys/svcbus/internal/connpool"
	"github.com/oriys/svcbus/message"
)

type fakeLockRenewer struct {
	calls []string
}

func (f *fakeLockRenewer) RenewLock(ctx context.Context, token string) error {
	f.calls = append(f.calls, token)
	return nil
}

func newLockedMessage(t *testing.T, renewer message.LockRenewer) *message.Message {
	t.Helper()
	d := &amqptransport.Delivery{
		Message:     &amqptransport.Message{Body: []byte("x")},
		DeliveryTag: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
	link := transporttest.NewFakeReceiver(amqptransport.LinkPolicy{})
	m, err := message.NewInbound(d, link, renewer, nil, false, nil)
	if err != nil {
		t.Fatalf("NewInbound: %v", err)
	}
	if m.LockToken == "" {
		t.Fatal("expected a non-empty lock token")
	}
	return m
}

func newTestPool() (*connpool.Pool, *transporttest.Fake) {
	fake := transporttest.New()
	return connpool.New(connpool.Config{Dialer: fake, AMQPURL: "amqps://x"}), fake
}

func waitForEvent(t *testing.T, r *Receiver, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %v", want)
		}
	}
}

func fakeReceiverLink(t *testing.T, r *Receiver) *transporttest.FakeReceiver {
	t.Helper()
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()
	fr, ok := link.(*transporttest.FakeReceiver)
	if !ok {
		t.Fatalf("receiver link is not a *transporttest.FakeReceiver")
	}
	return fr
}

func newDelivery(body string) *amqptransport.Delivery {
	return &amqptransport.Delivery{
		Message:     &amqptransport.Message{Body: []byte(body)},
		DeliveryTag: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
}

func TestStartEmitsSynthesizedAttachedEvent(t *testing.T) {
	pool, _ := newTestPool()
	t.Cleanup(func() { _ = pool.Dispose(context.Background()) })

	r, err := Start(context.Background(), Config{
		EntityPath: "myqueue",
		Pool:       pool,
		Mode:       config.PeekLock,
		Options:    config.ReceiverOptions{},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Dispose(context.Background()) })

	waitForEvent(t, r, EventAttached, time.Second)
	if !r.IsListening() {
		t.Fatal("expected receiver to be listening after start")
	}
}

func TestDeliveryInvokesListenerAndAutoCompletes(t *testing.T) {
	pool, _ := newTestPool()
	t.Cleanup(func() { _ = pool.Dispose(context.Background()) })

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 1)

	r, err := Start(context.Background(), Config{
		EntityPath: "myqueue",
		Pool:       pool,
		Mode:       config.PeekLock,
		Listener: func(ctx context.Context, msg *message.Message) error {
			mu.Lock()
			received = append(received, string(msg.Body))
			mu.Unlock()
			done <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Dispose(context.Background()) })
	waitForEvent(t, r, EventAttached, time.Second)

	fr := fakeReceiverLink(t, r)
	fr.Deliver(newDelivery("hello"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if len(fr.AcceptedSnapshot()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected message to be auto-completed (accepted)")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "hello" {
		t.Fatalf("expected listener to receive [hello], got %v", received)
	}
}

func TestListenerErrorAbandonsMessage(t *testing.T) {
	pool, _ := newTestPool()
	t.Cleanup(func() { _ = pool.Dispose(context.Background()) })

	done := make(chan struct{}, 1)
	r, err := Start(context.Background(), Config{
		EntityPath: "myqueue",
		Pool:       pool,
		Mode:       config.PeekLock,
		Listener: func(ctx context.Context, msg *message.Message) error {
			done <- struct{}{}
			return context.DeadlineExceeded
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Dispose(context.Background()) })
	waitForEvent(t, r, EventAttached, time.Second)

	fr := fakeReceiverLink(t, r)
	fr.Deliver(newDelivery("x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if len(fr.ModifiedSnapshot()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected message to be abandoned (modified) after listener error")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDetachSchedulesReattach(t *testing.T) {
	pool, fake := newTestPool()
	t.Cleanup(func() { _ = pool.Dispose(context.Background()) })

	r, err := Start(context.Background(), Config{
		EntityPath: "myqueue",
		Pool:       pool,
		Mode:       config.PeekLock,
		Options:    config.ReceiverOptions{ReattachInterval: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Dispose(context.Background()) })
	waitForEvent(t, r, EventAttached, time.Second)

	fr := fakeReceiverLink(t, r)
	fr.SetState(amqptransport.LinkDetached)
	fr.Emit(amqptransport.LinkEvent{Type: amqptransport.LinkEventDetached})

	waitForEvent(t, r, EventDetached, time.Second)
	waitForEvent(t, r, EventAttached, time.Second)
	if !r.IsListening() {
		t.Fatal("expected receiver to be listening again after reattach")
	}
	_ = fake
}

func TestScheduleRenewalSkipsWhenExplicitlyDisabled(t *testing.T) {
	disabled := time.Duration(0)
	r := &Receiver{
		options:   config.ReceiverOptions{AutoRenewTimeout: &disabled},
		timers:    make(map[string]*time.Timer),
		deadlines: make(map[string]time.Time),
	}
	renewer := &fakeLockRenewer{}
	msg := newLockedMessage(t, renewer)

	r.scheduleRenewal(msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) != 0 {
		t.Fatalf("expected no renewal timer when AutoRenewTimeout is explicitly 0, got %d", len(r.timers))
	}
	if len(r.deadlines) != 0 {
		t.Fatalf("expected no deadline tracked when AutoRenewTimeout is explicitly 0, got %d", len(r.deadlines))
	}
}

func TestScheduleRenewalUsesDefaultWhenUnset(t *testing.T) {
	r := &Receiver{
		options:   config.ReceiverOptions{},
		timers:    make(map[string]*time.Timer),
		deadlines: make(map[string]time.Time),
	}
	renewer := &fakeLockRenewer{}
	msg := newLockedMessage(t, renewer)

	r.scheduleRenewal(msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) != 1 {
		t.Fatalf("expected a renewal timer to be scheduled using Defaults.AutoRenewTimeout, got %d", len(r.timers))
	}
	if _, ok := r.timers[msg.LockToken]; !ok {
		t.Fatal("expected the timer to be keyed by the message's lock token")
	}
	r.timers[msg.LockToken].Stop()
}

func TestScheduleRenewalNeverExpiresWhenForever(t *testing.T) {
	forever := config.RenewForever
	r := &Receiver{
		options:   config.ReceiverOptions{AutoRenewTimeout: &forever},
		timers:    make(map[string]*time.Timer),
		deadlines: make(map[string]time.Time),
	}
	renewer := &fakeLockRenewer{}
	msg := newLockedMessage(t, renewer)

	r.scheduleRenewal(msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) != 1 {
		t.Fatalf("expected a renewal timer even with no deadline tracked, got %d", len(r.timers))
	}
	if _, ok := r.deadlines[msg.LockToken]; ok {
		t.Fatal("expected no deadline to be recorded for RenewForever")
	}
	r.timers[msg.LockToken].Stop()
}

func TestDisposeIsIdempotent(t *testing.T) {
	pool, _ := newTestPool()
	t.Cleanup(func() { _ = pool.Dispose(context.Background()) })

	r, err := Start(context.Background(), Config{EntityPath: "myqueue", Pool: pool, Mode: config.PeekLock})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, r, EventAttached, time.Second)

	if err := r.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := r.Dispose(context.Background()); err != nil {
		t.Fatalf("second dispose should be a no-op: %v", err)
	}
	if r.IsListening() {
		t.Fatal("expected receiver to not be listening after dispose")
	}
}
