package creditmgr

import (
	"context"
	"testing"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/amqptransport/transporttest"
	"github.com/oriys/svcbus/svcbuserr"
)

func TestPeekLockPolicyEnablesManualCreditOnDisposition(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 3, Threshold: 2})
	mode, credit, manual := m.Policy()
	if mode != amqptransport.SettleOnDisposition {
		t.Fatalf("expected SettleOnDisposition, got %v", mode)
	}
	if credit != 3 {
		t.Fatalf("expected initial credit 3, got %d", credit)
	}
	if !manual {
		t.Fatal("expected manual credit for peek-lock")
	}
}

func TestReceiveAndDeletePolicyIsPassthrough(t *testing.T) {
	m := New(Config{Mode: ReceiveAndDelete, InitialCredit: 10})
	mode, _, manual := m.Policy()
	if mode != amqptransport.SettleOnSend {
		t.Fatalf("expected SettleOnSend, got %v", mode)
	}
	if manual {
		t.Fatal("expected transport default refresh for receive-and-delete")
	}
}

func TestSetReceiverIssuesInitialCreditQuantum(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 5, Threshold: 3})
	rcv := transporttest.NewFakeReceiver(amqptransport.LinkPolicy{})
	if err := m.SetReceiver(context.Background(), rcv); err != nil {
		t.Fatalf("SetReceiver: %v", err)
	}
	if rcv.LinkCredit() != 5 {
		t.Fatalf("expected link credit 5, got %d", rcv.LinkCredit())
	}
}

func TestRefreshCreditsNoLinkBoundFailsWithLinkNotFound(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 1, Threshold: 1})
	err := m.RefreshCredits(context.Background())
	if !svcbuserr.Is(err, svcbuserr.NameLinkNotFound) {
		t.Fatalf("expected Link.NotFound, got %v", err)
	}
}

func TestRefreshCreditsNoOpsOnDetachedLink(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 1, Threshold: 1})
	rcv := transporttest.NewFakeReceiver(amqptransport.LinkPolicy{})
	_ = m.SetReceiver(context.Background(), rcv)
	rcv.SetState(amqptransport.LinkDetached)

	m.ScheduleMessageSettle("tok-1")
	if err := m.RefreshCredits(context.Background()); err != nil {
		t.Fatalf("expected silent no-op on detached link, got %v", err)
	}
	if len(rcv.CreditCalls) != 1 { // only the initial SetReceiver credit call
		t.Fatalf("expected no additional AddCredit calls while detached, got %d calls", len(rcv.CreditCalls))
	}
}

func TestScheduleThenSettleCreditsExactlyOnce(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 1, Threshold: 10}) // high threshold: refresh requires explicit credit delta
	rcv := transporttest.NewFakeReceiver(amqptransport.LinkPolicy{CreditQuantum: 1})
	_ = m.SetReceiver(context.Background(), rcv)

	m.ScheduleMessageSettle("tok-a")
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending token, got %d", m.PendingCount())
	}
	m.SettleMessage("tok-a")
	if m.PendingCount() != 0 {
		t.Fatal("expected pending set cleared after settle")
	}

	// Total credits issued: 1 (initial) + 1 (scheduled) = 2; settle must not add a third.
	total := uint32(0)
	for _, n := range rcv.CreditCalls {
		total += n
	}
	if total != 2 {
		t.Fatalf("expected exactly 2 credits issued across schedule+settle, got %d", total)
	}
}

func TestScheduleSameTokenTwiceIsNoOp(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 0, Threshold: 100})
	rcv := transporttest.NewFakeReceiver(amqptransport.LinkPolicy{})
	_ = m.SetReceiver(context.Background(), rcv)

	m.ScheduleMessageSettle("dup")
	m.ScheduleMessageSettle("dup")
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending entry for duplicate schedule, got %d", m.PendingCount())
	}
}

func TestSettleWithoutScheduleCreditsImmediately(t *testing.T) {
	m := New(Config{Mode: PeekLock, InitialCredit: 0, Threshold: 1})
	rcv := transporttest.NewFakeReceiver(amqptransport.LinkPolicy{})
	_ = m.SetReceiver(context.Background(), rcv)

	m.SettleMessage("immediate")
	if len(rcv.CreditCalls) != 1 || rcv.CreditCalls[0] != 1 {
		t.Fatalf("expected a single 1-credit AddCredit call, got %v", rcv.CreditCalls)
	}
}
