package mgmtclient

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/amqptransport/transporttest"
	"github.com/oriys/svcbus/internal/locktoken"
	"github.com/oriys/svcbus/svcbuserr"
)

func newTestClient(t *testing.T, timeout time.Duration) (*Client, *transporttest.FakeSession) {
	t.Helper()
	fake := transporttest.New()
	conn, err := fake.Dial(context.Background(), "amqps://x")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sess, err := conn.NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	fsess := sess.(*transporttest.FakeSession)

	c, err := New(context.Background(), Config{Session: fsess, EntityPath: "myqueue", RequestTimeout: timeout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })
	return c, fsess
}

func fakeLinks(t *testing.T, c *Client) (*transporttest.FakeSender, *transporttest.FakeReceiver) {
	t.Helper()
	snd, ok := c.sender.(*transporttest.FakeSender)
	if !ok {
		t.Fatalf("sender is not a *transporttest.FakeSender")
	}
	rcv, ok := c.receiver.(*transporttest.FakeReceiver)
	if !ok {
		t.Fatalf("receiver is not a *transporttest.FakeReceiver")
	}
	return snd, rcv
}

func respondAccepted(t *testing.T, snd *transporttest.FakeSender, rcv *transporttest.FakeReceiver) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	var sent []*amqptransport.Message
	for {
		sent = snd.SentSnapshot()
		if len(sent) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for request to be sent")
		}
		time.Sleep(time.Millisecond)
	}
	req := sent[len(sent)-1]
	rcv.Deliver(&amqptransport.Delivery{Message: &amqptransport.Message{
		Properties:             &amqptransport.MessageProperties{CorrelationID: req.Properties.MessageID},
		ApplicationProperties:  map[string]any{"statusCode": 200},
	}})
}

func TestNewCreatesSenderAndReceiverLinksWithExpectedNamePattern(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	snd, rcv := fakeLinks(t, c)

	if snd.Policy.TargetAddress != "myqueue/$management" {
		t.Fatalf("expected sender target myqueue/$management, got %q", snd.Policy.TargetAddress)
	}
	if rcv.Policy.SourceAddress != "myqueue/$management" {
		t.Fatalf("expected receiver source myqueue/$management, got %q", rcv.Policy.SourceAddress)
	}
	if len(c.senderName) < len("requestSender$") || c.senderName[:len("requestSender$")] != "requestSender$" {
		t.Fatalf("expected sender name prefix requestSender$, got %q", c.senderName)
	}
	if len(c.receiverName) < len("responseReceiver$") || c.receiverName[:len("responseReceiver$")] != "responseReceiver$" {
		t.Fatalf("expected receiver name prefix responseReceiver$, got %q", c.receiverName)
	}
}

func TestRenewLockEncodesReorderedTokenAndResolvesOnAcceptedResponse(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	snd, rcv := fakeLinks(t, c)

	token := "01020304-0506-0708-090a-0b0c0d0e0f10"
	done := make(chan error, 1)
	go func() { done <- c.RenewLock(context.Background(), token) }()

	respondAccepted(t, snd, rcv)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RenewLock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RenewLock did not complete")
	}

	sent := snd.SentSnapshot()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 request sent, got %d", len(sent))
	}
	body, ok := sent[0].Value.(amqptransport.DescribedType)
	if !ok {
		t.Fatalf("expected amqptransport.DescribedType value, got %T", sent[0].Value)
	}
	if body.Descriptor != renewLockDescriptor {
		t.Fatalf("expected descriptor 0x%x, got 0x%x", renewLockDescriptor, body.Descriptor)
	}
	values, ok := body.Value.(map[string]any)
	if !ok {
		t.Fatalf("expected a map body, got %T", body.Value)
	}
	lockTokens, ok := values["lock-tokens"].([][16]byte)
	if !ok {
		t.Fatalf("expected lock-tokens to be [][16]byte, got %T", values["lock-tokens"])
	}
	wantReordered, err := locktoken.ReorderString(token)
	if err != nil {
		t.Fatalf("ReorderString: %v", err)
	}
	if len(lockTokens) != 1 || lockTokens[0] != wantReordered {
		t.Fatalf("expected reordered token %v, got %v", wantReordered, lockTokens)
	}
	if sent[0].ApplicationProperties["operation"] != renewLockOperation {
		t.Fatalf("expected operation %q, got %v", renewLockOperation, sent[0].ApplicationProperties["operation"])
	}
}

func TestSendRequestFailsImmediatelyWhenSenderNotAttached(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	snd, _ := fakeLinks(t, c)
	snd.SetState(amqptransport.LinkDetached)

	err := c.RenewLock(context.Background(), "01020304-0506-0708-090a-0b0c0d0e0f10")
	if !svcbuserr.Is(err, svcbuserr.NameInternalRequestFailure) {
		t.Fatalf("expected Internal.RequestFailure, got %v", err)
	}
}

func TestSendRequestTimesOutWhenNoResponseArrives(t *testing.T) {
	c, _ := newTestClient(t, 20*time.Millisecond)

	err := c.RenewLock(context.Background(), "01020304-0506-0708-090a-0b0c0d0e0f10")
	if !svcbuserr.Is(err, svcbuserr.NameInternalRequestTimeout) {
		t.Fatalf("expected Internal.RequestTimeout, got %v", err)
	}
}

func TestRejectedResponseStatusYieldsRequestFailure(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	snd, rcv := fakeLinks(t, c)

	done := make(chan error, 1)
	go func() { done <- c.RenewLock(context.Background(), "01020304-0506-0708-090a-0b0c0d0e0f10") }()

	deadline := time.Now().Add(time.Second)
	var sent []*amqptransport.Message
	for {
		sent = snd.SentSnapshot()
		if len(sent) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for request to be sent")
		}
		time.Sleep(time.Millisecond)
	}
	req := sent[0]
	rcv.Deliver(&amqptransport.Delivery{Message: &amqptransport.Message{
		Properties:            &amqptransport.MessageProperties{CorrelationID: req.Properties.MessageID},
		ApplicationProperties: map[string]any{"statusCode": 410, "statusDescription": "Gone", "trackingId": "abc"},
	}})

	select {
	case err := <-done:
		if !svcbuserr.Is(err, svcbuserr.NameInternalRequestFailure) {
			t.Fatalf("expected Internal.RequestFailure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RenewLock did not complete")
	}
}

func TestOrphanedResponseEmitsRequestClientError(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	_, rcv := fakeLinks(t, c)

	rcv.Deliver(&amqptransport.Delivery{Message: &amqptransport.Message{
		Properties: &amqptransport.MessageProperties{CorrelationID: "no-such-request"},
	}})

	select {
	case ev := <-c.Events():
		if ev.Type != EventRequestClientError {
			t.Fatalf("expected EventRequestClientError, got %v", ev.Type)
		}
		if !svcbuserr.Is(ev.Err, svcbuserr.NameInternalOrphanedResponse) {
			t.Fatalf("expected Internal.OrphanedResponse, got %v", ev.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an orphaned-response event")
	}
}

func TestReceiverDetachTerminatesInFlightRequests(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	_, rcv := fakeLinks(t, c)

	done := make(chan error, 1)
	go func() { done <- c.RenewLock(context.Background(), "01020304-0506-0708-090a-0b0c0d0e0f10") }()

	time.Sleep(20 * time.Millisecond)
	rcv.SetState(amqptransport.LinkDetached)
	rcv.Emit(amqptransport.LinkEvent{Type: amqptransport.LinkEventDetached})

	select {
	case err := <-done:
		if !svcbuserr.Is(err, svcbuserr.NameInternalRequestTerminated) {
			t.Fatalf("expected Internal.RequestTerminated, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RenewLock did not complete after detach")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t, time.Second)
	if err := c.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := c.Dispose(context.Background()); err != nil {
		t.Fatalf("second dispose should be a no-op, got %v", err)
	}
}
