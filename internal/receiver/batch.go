package receiver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/svcbus/config"
	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/connpool"
	"github.com/oriys/svcbus/message"
	"github.com/oriys/svcbus/svcbuserr"
)

// ReceiveBatch implements the Batch Receiver (§4.7): a transient,
// pre-settled receiver that collects up to n messages, terminating on
// whichever of count / timeout / detach happens first, then tearing
// down its connection lease. It never refreshes credit beyond the
// single up-front grant, by design (the broker has no "drain" signal
// for "no more messages available", so an early exit can't be
// distinguished from slow delivery; see DESIGN.md for the Open Question).
func ReceiveBatch(ctx context.Context, pool *connpool.Pool, entityPath string, n int, opts config.BatchReceiveOptions) ([]*message.Message, error) {
	opts = opts.WithDefaults()
	if n <= 0 {
		return nil, nil
	}

	lease, err := pool.Lease(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	session, err := lease.Connection.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close(ctx)

	link, err := session.NewReceiver(ctx, amqptransport.LinkPolicy{
		Name:          "batch$" + uuid.NewString(),
		SourceAddress: entityPath,
		RcvSettleMode: amqptransport.SettleOnSend,
		CreditQuantum: 0,
		ManualCredit:  true,
	})
	if err != nil {
		return nil, err
	}
	defer link.Close(ctx)

	if err := link.AddCredit(ctx, uint32(n)); err != nil {
		return nil, err
	}

	receiveCtx, cancelReceive := context.WithCancel(ctx)
	defer cancelReceive()

	deliveries := make(chan *amqptransport.Delivery, n)
	go func() {
		for {
			d, err := link.Receive(receiveCtx)
			if err != nil {
				close(deliveries)
				return
			}
			deliveries <- d
		}
	}()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	messages := make([]*message.Message, 0, n)
	for len(messages) < n {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return messages, nil
			}
			msg, err := message.NewInbound(d, link, nil, nil, true, nil)
			if err != nil {
				return messages, err
			}
			messages = append(messages, msg)
		case ev, ok := <-link.Events():
			if ok && ev.Type == amqptransport.LinkEventDetached {
				return messages, svcbuserr.Wrap(svcbuserr.NameLinkDetach, "receiver link detached during batch receive", ev.Info, nil)
			}
		case <-deadline.C:
			return messages, nil
		case <-ctx.Done():
			return messages, ctx.Err()
		}
	}
	return messages, nil
}
