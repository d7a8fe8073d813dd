// Package mgmtclient is the Management Request Client (§4.3): a
// request/response RPC layered over a second pair of AMQP links on an
// entity's $management node, used for lock renewal. It owns correlation
// tracking, per-request timeouts, and termination of in-flight requests
// on link detach.
//
// Grounded on the teacher's internal/kata.Client (a request/response
// client over a raw connection with redial-on-failure) for the
// send/receive-and-correlate shape. The response listener is a single
// goroutine started under a boolean guard; Dispose cancels its context
// and does not wait for it to exit.
package mgmtclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/locktoken"
	"github.com/oriys/svcbus/internal/svclog"
	"github.com/oriys/svcbus/internal/svcmetrics"
	"github.com/oriys/svcbus/svcbuserr"
)

const renewLockOperation = "com.microsoft:renew-lock"

// renewLockDescriptor is the AMQP described-type descriptor for the
// renew-lock request body (§6).
const renewLockDescriptor uint64 = 0x77

// serverTimeoutKey is the application-property key carrying the
// per-request timeout hint to the broker (§4.3 step 2).
const serverTimeoutKey = "com.microsoft:server-timeout"

// EventType distinguishes the management client's observable events (§4.3 "Events").
type EventType int

const (
	EventLinkAttached EventType = iota
	EventLinkDetached
	EventRequestClientError
)

// Event is delivered, in order, to every Events() subscriber.
type Event struct {
	Type     EventType
	LinkName string
	Path     string
	IsSender bool
	Err      error
}

type pendingRequest struct {
	resolve func(*amqptransport.Message)
	reject  func(error)
	timer   *time.Timer
}

// Config constructs a Client.
type Config struct {
	Session       amqptransport.Session
	EntityPath    string
	RequestTimeout time.Duration // default 15s per §6 amqpRequestTimeout
	Metrics       *svcmetrics.Collector
}

// Client is the Management Request Client for a single entity path.
type Client struct {
	session        amqptransport.Session
	entityPath     string
	requestTimeout time.Duration
	metrics        *svcmetrics.Collector

	senderName   string
	receiverName string

	mu              sync.Mutex
	sender          amqptransport.Sender
	receiver        amqptransport.Receiver
	pending         map[string]*pendingRequest
	listenerRunning bool
	disposed        bool
	stopListener    chan struct{}
	cancelListen    context.CancelFunc

	events chan Event
}

// New creates a management request client: acquires a sender and
// receiver link at <entityPath>/$management, installs the response
// listener, and starts forwarding link lifecycle events.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	managementPath := cfg.EntityPath + "/$management"
	id := uuid.NewString()
	senderName := "requestSender$" + id
	receiverName := "responseReceiver$" + id

	c := &Client{
		session:        cfg.Session,
		entityPath:     cfg.EntityPath,
		requestTimeout: cfg.RequestTimeout,
		metrics:        cfg.Metrics,
		senderName:     senderName,
		receiverName:   receiverName,
		pending:        make(map[string]*pendingRequest),
		events:         make(chan Event, 32),
		stopListener:   make(chan struct{}),
	}

	snd, err := cfg.Session.NewSender(ctx, amqptransport.LinkPolicy{
		Name:          senderName,
		TargetAddress: managementPath,
		SourceAddress: senderName,
	})
	if err != nil {
		return nil, fmt.Errorf("mgmtclient: create sender: %w", err)
	}
	rcv, err := cfg.Session.NewReceiver(ctx, amqptransport.LinkPolicy{
		Name:          receiverName,
		SourceAddress: managementPath,
		TargetAddress: receiverName,
		CreditQuantum: 1000,
	})
	if err != nil {
		_ = snd.Close(ctx)
		return nil, fmt.Errorf("mgmtclient: create receiver: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	c.cancelListen = cancel
	c.sender = snd
	c.receiver = rcv
	c.startListener(listenCtx)
	go c.watchLinkEvents(snd, rcv, listenCtx)
	return c, nil
}

// Events returns the channel every linkAttached/linkDetached/
// requestClientError event is delivered on.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Slow consumer: drop rather than block the engine (observational channel).
	}
}

// watchLinkEvents forwards sender/receiver attach/detach as informational
// events, and reattaches the response listener (idempotently) on a
// receiver re-attach, per §4.3 "Attach/detach behavior".
func (c *Client) watchLinkEvents(snd amqptransport.Sender, rcv amqptransport.Receiver, listenCtx context.Context) {
	for {
		select {
		case ev, ok := <-snd.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case amqptransport.LinkEventAttached:
				c.emit(Event{Type: EventLinkAttached, LinkName: c.senderName, Path: c.entityPath, IsSender: true})
			case amqptransport.LinkEventDetached:
				c.emit(Event{Type: EventLinkDetached, LinkName: c.senderName, Path: c.entityPath, IsSender: true, Err: ev.Info})
			}
		case ev, ok := <-rcv.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case amqptransport.LinkEventAttached:
				c.startListener(listenCtx)
				c.emit(Event{Type: EventLinkAttached, LinkName: c.receiverName, Path: c.entityPath, IsSender: false})
			case amqptransport.LinkEventDetached:
				c.emit(Event{Type: EventLinkDetached, LinkName: c.receiverName, Path: c.entityPath, IsSender: false, Err: ev.Info})
				c.terminateAllPending()
			}
		case <-c.stopListener:
			return
		}
	}
}

// startListener launches the response-receive loop, guarded so a
// reattach only (re)starts it once (§4.3 "idempotent by a boolean guard").
func (c *Client) startListener(listenCtx context.Context) {
	c.mu.Lock()
	if c.listenerRunning || c.disposed {
		c.mu.Unlock()
		return
	}
	c.listenerRunning = true
	rcv := c.receiver
	c.mu.Unlock()

	go c.listen(listenCtx, rcv)
}

func (c *Client) listen(listenCtx context.Context, rcv amqptransport.Receiver) {
	for {
		d, err := rcv.Receive(listenCtx)
		if err != nil {
			c.mu.Lock()
			c.listenerRunning = false
			c.mu.Unlock()
			return
		}
		c.handleResponse(d.Message)
	}
}

// handleResponse correlates an inbound response and resolves or rejects
// its pending request (§4.3 step 5). An unknown correlation id emits
// requestClientError(OrphanedResponse) and is dropped.
func (c *Client) handleResponse(msg *amqptransport.Message) {
	var correlationID string
	if msg.Properties != nil {
		correlationID = msg.Properties.CorrelationID
	}

	c.mu.Lock()
	req, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		c.emit(Event{Type: EventRequestClientError, Err: svcbuserr.New(svcbuserr.NameInternalOrphanedResponse, "response with unknown correlation id")})
		return
	}
	req.timer.Stop()

	status := statusCode(msg)
	if status >= 200 && status < 300 {
		req.resolve(msg)
		return
	}
	req.reject(svcbuserr.Wrap(svcbuserr.NameInternalRequestFailure, "management request failed", nil, map[string]any{
		"status":          status,
		"error_condition": errorCondition(msg),
		"tracking_id":     trackingID(msg),
	}))
}

func statusCode(msg *amqptransport.Message) int {
	if v, ok := msg.ApplicationProperties["statusCode"].(int); ok {
		return v
	}
	if v, ok := msg.ApplicationProperties["statusCode"].(int32); ok {
		return int(v)
	}
	return 0
}

func errorCondition(msg *amqptransport.Message) string {
	if v, ok := msg.ApplicationProperties["statusDescription"].(string); ok {
		return v
	}
	return ""
}

func trackingID(msg *amqptransport.Message) string {
	if v, ok := msg.ApplicationProperties["trackingId"].(string); ok {
		return v
	}
	return ""
}

// terminateAllPending rejects every in-flight request with
// Internal.RequestTerminated, per §4.3 "Receiver detach".
func (c *Client) terminateAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.reject(svcbuserr.New(svcbuserr.NameInternalRequestTerminated, "management link detached while request was in flight"))
	}
}

// sendRequest implements §4.3's _sendRequest: synchronous liveness
// pre-check, correlation-id installation, racing the send-ack against the
// response, and the three-way resolution described there.
func (c *Client) sendRequest(ctx context.Context, req *amqptransport.Message) (*amqptransport.Message, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, svcbuserr.New(svcbuserr.NameInternalRequestFailure, "management client disposed")
	}
	if c.sender.State() != amqptransport.LinkAttached || c.receiver.State() != amqptransport.LinkAttached {
		c.mu.Unlock()
		return nil, svcbuserr.Wrap(svcbuserr.NameInternalRequestFailure, "sender or response receiver not attached", nil, map[string]any{"status": 503})
	}
	sender := c.sender
	c.mu.Unlock()

	messageID := uuid.NewString()
	if req.Properties == nil {
		req.Properties = &amqptransport.MessageProperties{}
	}
	req.Properties.MessageID = messageID
	req.Properties.ReplyTo = c.receiverName
	if req.ApplicationProperties == nil {
		req.ApplicationProperties = make(map[string]any)
	}
	req.ApplicationProperties[serverTimeoutKey] = int64(c.requestTimeout / time.Millisecond)

	respCh := make(chan *amqptransport.Message, 1)
	errCh := make(chan error, 1)

	timer := time.AfterFunc(c.requestTimeout, func() {
		c.mu.Lock()
		p, ok := c.pending[messageID]
		if ok {
			delete(c.pending, messageID)
		}
		c.mu.Unlock()
		if ok {
			p.reject(svcbuserr.Wrap(svcbuserr.NameInternalRequestTimeout, "management request timed out", nil, map[string]any{"status": 504}))
		}
	})

	c.mu.Lock()
	c.pending[messageID] = &pendingRequest{
		resolve: func(m *amqptransport.Message) { respCh <- m },
		reject:  func(err error) { errCh <- err },
		timer:   timer,
	}
	c.mu.Unlock()

	start := time.Now()
	sendErrCh := make(chan error, 1)
	go func() {
		_, err := sender.Send(ctx, req)
		sendErrCh <- err
	}()

	var result *amqptransport.Message
	var resultErr error
	select {
	case m := <-respCh:
		result = m
	case err := <-errCh:
		resultErr = err
	case err := <-sendErrCh:
		if err != nil {
			c.mu.Lock()
			delete(c.pending, messageID)
			c.mu.Unlock()
			timer.Stop()
			resultErr = svcbuserr.Wrap(svcbuserr.NameInternalRequestFailure, "transport send failed", err, map[string]any{"status": 503})
		} else {
			// Send acked first; keep waiting for the response or its timeout/termination.
			select {
			case m := <-respCh:
				result = m
			case err := <-errCh:
				resultErr = err
			case <-ctx.Done():
				resultErr = ctx.Err()
			}
		}
	case <-ctx.Done():
		resultErr = ctx.Err()
	}

	if c.metrics != nil {
		c.metrics.ManagementLatency.Observe(time.Since(start).Seconds())
	}
	return result, resultErr
}

// RenewLock extends the peek-lock on a message identified by its lock
// token, encoding the broker's asymmetric byte-reordered request body (§4.3, §6).
func (c *Client) RenewLock(ctx context.Context, token string) error {
	wireToken, err := locktoken.ReorderString(token)
	if err != nil {
		return fmt.Errorf("mgmtclient: %w", err)
	}
	req := &amqptransport.Message{
		ApplicationProperties: map[string]any{
			"operation": renewLockOperation,
		},
		Value: describedRenewLockBody(wireToken),
	}
	_, err = c.sendRequest(ctx, req)
	return err
}

// describedRenewLockBody builds the described-type value the broker
// expects for a renew-lock request: descriptor 0x77 wrapping a
// "lock-tokens" map entry, per §6. The map shape (not a Go struct) is
// what the wire format actually describes; amqptransport.DescribedType
// carries it to the transport adapter, which translates it into the
// underlying AMQP engine's own described-type encoding.
func describedRenewLockBody(token [16]byte) any {
	return amqptransport.DescribedType{
		Descriptor: renewLockDescriptor,
		Value:      map[string]any{"lock-tokens": [][16]byte{token}},
	}
}

// Dispose clears all pending request timers, terminates every in-flight
// request, ends the session and releases resources. Safe to call once;
// a second call is a no-op.
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	close(c.stopListener)
	cancel := c.cancelListen
	c.mu.Unlock()
	cancel()

	c.terminateAllPending()

	var firstErr error
	if err := c.receiver.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.sender.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.session.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	svclog.With("mgmtclient").Info("management client disposed", "path", c.entityPath)
	return firstErr
}
