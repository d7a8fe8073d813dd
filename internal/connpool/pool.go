// Package connpool is the Connection Pool (§4.1): it owns AMQP client
// connections, hands out leases each counting against a per-connection
// link budget, and reaps idle connections on a delay. Grounded on the
// teacher's internal/pool.Pool (warm-VM pool with idle TTL, refcounted
// acquire/release, and a background cleanup loop) — the same shape,
// applied to AMQP connections instead of VMs.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/svcbus/internal/amqptransport"
	"github.com/oriys/svcbus/internal/svclog"
	"github.com/oriys/svcbus/internal/svcmetrics"
)

// Lease is a handle to a leased connection; the caller must call Release
// exactly once per successful Lease call.
type Lease struct {
	Connection amqptransport.Connection
	pool       *Pool
	entry      *connEntry
	released   bool
	numLinks   int
}

// Release gives the links counted by this lease back to the pool.
// Releasing a lease more than once is a no-op (§4.1, "clamped").
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	l.pool.release(l.entry, l.numLinks)
}

// connEntry is one pooled AMQP connection (§3 "Connection lease").
type connEntry struct {
	id           int
	conn         amqptransport.Connection
	linkRefcount int
	idleTimer    *time.Timer
}

// Pool is the Connection Pool. Safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	dialer      amqptransport.Dialer
	amqpURL     string
	linkBudget  int
	idleTimeout time.Duration
	metrics     *svcmetrics.Collector
	entries     []*connEntry
	nextID      int
	disposed    bool
}

// Config configures a Pool.
type Config struct {
	Dialer      amqptransport.Dialer
	AMQPURL     string
	LinkBudget  int           // default 255 per §6 handleMax
	IdleTimeout time.Duration // default 10 minutes per §6 amqpClientCleanupDelayMs
	Metrics     *svcmetrics.Collector
}

// New constructs a Pool. It does not dial eagerly; connections are opened
// lazily on first Lease, per §4.1.
func New(cfg Config) *Pool {
	if cfg.LinkBudget <= 0 {
		cfg.LinkBudget = 255
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Pool{
		dialer:      cfg.Dialer,
		amqpURL:     cfg.AMQPURL,
		linkBudget:  cfg.LinkBudget,
		idleTimeout: cfg.IdleTimeout,
		metrics:     cfg.Metrics,
	}
}

// Lease scans existing connections in insertion order for the first with
// enough remaining link budget, reusing it; otherwise it dials a new
// connection. numLinks defaults to 1.
func (p *Pool) Lease(ctx context.Context, numLinks int) (*Lease, error) {
	if numLinks <= 0 {
		numLinks = 1
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connpool: pool is disposed")
	}
	for _, e := range p.entries {
		if e.linkRefcount+numLinks <= p.linkBudget {
			if e.idleTimer != nil {
				e.idleTimer.Stop()
				e.idleTimer = nil
			}
			e.linkRefcount += numLinks
			p.mu.Unlock()
			p.recordLinksLeased(numLinks)
			return &Lease{Connection: e.conn, pool: p, entry: e, numLinks: numLinks}, nil
		}
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, p.amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connpool: dial: %w", err)
	}
	entry := &connEntry{id: id, conn: conn, linkRefcount: numLinks}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("connpool: pool is disposed")
	}
	p.entries = append(p.entries, entry)
	p.mu.Unlock()

	svclog.With("connpool").Info("connection opened", "id", id)
	if p.metrics != nil {
		p.metrics.ConnectionsActive.Inc()
	}
	p.recordLinksLeased(numLinks)
	return &Lease{Connection: conn, pool: p, entry: entry, numLinks: numLinks}, nil
}

func (p *Pool) recordLinksLeased(n int) {
	if p.metrics != nil {
		p.metrics.LinksLeased.Add(float64(n))
	}
}

// release decrements the entry's refcount by n (clamped at 0) and, on
// reaching zero, arms the idle-cleanup timer.
func (p *Pool) release(e *connEntry, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.linkRefcount -= n
	if e.linkRefcount < 0 {
		e.linkRefcount = 0
	}
	if p.metrics != nil {
		p.metrics.LinksLeased.Add(-float64(n))
	}
	if e.linkRefcount == 0 && !p.disposed {
		e.idleTimer = time.AfterFunc(p.idleTimeout, func() {
			p.onIdleTimeout(e)
		})
	}
}

// onIdleTimeout fires when a connection has sat at refcount 0 for
// idleTimeout. If the refcount is still 0 (no intervening Lease grabbed
// it — a concurrent lease would have stopped this timer) the entry is
// removed from the pool and disconnected.
func (p *Pool) onIdleTimeout(e *connEntry) {
	p.mu.Lock()
	if e.linkRefcount != 0 {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i, en := range p.entries {
		if en == e {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	p.mu.Unlock()

	svclog.With("connpool").Info("connection idle, disconnecting", "id", e.id)
	if p.metrics != nil {
		p.metrics.ConnectionsActive.Dec()
	}
	_ = e.conn.Close(context.Background())
}

// Dispose disconnects every pooled connection and clears the pool. Safe to call once.
func (p *Pool) Dispose(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		if err := e.conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if p.metrics != nil {
			p.metrics.ConnectionsActive.Dec()
		}
	}
	return firstErr
}

// Size returns the number of connections currently pooled, for tests/diagnostics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
