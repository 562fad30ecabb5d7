package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/astralforge/game-api/config"
	"github.com/astralforge/game-api/telemetry"
)

var (
	// ErrTimeout is returned when no lease became available within the
	// caller's deadline.
	ErrTimeout = errors.New("pool: acquire timed out")
	// ErrExhausted is returned when the caller's budget was already spent on
	// entry, before any wait took place.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrClosed is returned once the pool has been shut down.
	ErrClosed = errors.New("pool: closed")
)

// Health describes the lifecycle state of a pooled connection.
type Health int

const (
	// Healthy entries are leased without further checks.
	Healthy Health = iota
	// Suspect entries accumulated consecutive errors and are validated with
	// a round trip before their next lease.
	Suspect
	// Dead entries are discarded and never leased again.
	Dead
)

type entry struct {
	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
	health     Health
	errStreak  int
}

// Pool owns a bounded set of datastore connections and hands out exclusive
// leases. It grows lazily from the configured minimum toward the maximum and
// discards entries whose connection reported a fatal error.
type Pool struct {
	driver           Driver
	dsn              string
	minSize          int
	maxSize          int
	acquireTimeout   time.Duration
	suspectThreshold int
	logger           zerolog.Logger
	collector        telemetry.Collector

	mu      sync.Mutex
	idle    []*entry
	total   int
	waiters []chan *entry
	closed  bool
}

// New creates a pool. No connections are opened until Warmup or the first
// Acquire.
func New(cfg config.DatabaseConfig, driver Driver, logger zerolog.Logger, collector telemetry.Collector) *Pool {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Pool{
		driver:           driver,
		dsn:              cfg.DSN,
		minSize:          cfg.MinPoolSize,
		maxSize:          cfg.MaxPoolSize,
		acquireTimeout:   cfg.AcquireTimeout.Duration,
		suspectThreshold: cfg.SuspectThreshold,
		logger:           logger,
		collector:        collector,
	}
}

// Warmup opens connections until the pool holds its configured minimum,
// retrying failed attempts with exponential backoff until the context
// expires.
func (p *Pool) Warmup(ctx context.Context) error {
	retry := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if p.total >= p.minSize {
			p.mu.Unlock()
			return nil
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.driver.Connect(ctx, p.dsn)
		if err != nil {
			p.unreserve()
			p.logger.Warn().Err(err).Msg("pool warmup connection failed")
			select {
			case <-ctx.Done():
				return fmt.Errorf("pool warmup: %w", err)
			case <-time.After(retry.Duration()):
				continue
			}
		}
		retry.Reset()
		now := time.Now()
		p.returnEntry(&entry{conn: conn, createdAt: now, lastUsedAt: now, health: Healthy})
	}
}

// Lease grants exclusive use of one pooled connection. It must be released
// exactly once.
type Lease struct {
	pool  *Pool
	entry *entry
	once  sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn {
	return l.entry.conn
}

// Release returns the connection to the pool. opErr is the outcome of the
// work performed on the lease; fatal errors cause the entry to be discarded
// instead of returned. Additional calls are no-ops.
func (l *Lease) Release(opErr error) {
	l.once.Do(func() {
		l.pool.release(l.entry, opErr)
	})
}

// Acquire blocks until an idle entry is available or a new one can be
// created, bounded by the context deadline (or the configured acquire
// timeout when the context carries none).
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		p.collector.IncAcquireTimeout()
		return nil, ErrExhausted
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			p.publishGauges()
			if lease, ok := p.vet(ctx, e); ok {
				return lease, nil
			}
			continue
		}
		if p.total < p.maxSize {
			p.total++
			p.mu.Unlock()
			p.publishGauges()
			conn, err := p.driver.Connect(ctx, p.dsn)
			if err != nil {
				p.unreserve()
				if ctx.Err() != nil {
					p.collector.IncAcquireTimeout()
					return nil, ErrTimeout
				}
				return nil, fmt.Errorf("connect datastore: %w", err)
			}
			now := time.Now()
			e := &entry{conn: conn, createdAt: now, lastUsedAt: now, health: Healthy}
			return &Lease{pool: p, entry: e}, nil
		}

		ch := make(chan *entry, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()
		p.publishGauges()

		select {
		case e := <-ch:
			p.publishGauges()
			if e == nil {
				// Capacity freed or the pool is closing; re-evaluate.
				continue
			}
			if lease, ok := p.vet(ctx, e); ok {
				return lease, nil
			}
		case <-ctx.Done():
			p.cancelWaiter(ch)
			p.collector.IncAcquireTimeout()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, context.Canceled
			}
			return nil, ErrTimeout
		}
	}
}

// vet validates a Suspect entry with a round trip before handing it out.
func (p *Pool) vet(ctx context.Context, e *entry) (*Lease, bool) {
	if e.health == Suspect {
		if err := e.conn.Ping(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("suspect connection failed validation, discarding")
			p.discard(e)
			return nil, false
		}
		e.health = Healthy
		e.errStreak = 0
	}
	return &Lease{pool: p, entry: e}, true
}

func (p *Pool) release(e *entry, opErr error) {
	switch {
	case opErr == nil:
		e.errStreak = 0
		e.health = Healthy
	case p.driver.Fatal(opErr):
		p.logger.Warn().Err(opErr).Msg("fatal connection error, discarding pool entry")
		p.discard(e)
		return
	default:
		e.errStreak++
		if e.errStreak >= p.suspectThreshold {
			e.health = Suspect
		}
	}
	e.lastUsedAt = time.Now()
	p.returnEntry(e)
}

// returnEntry puts an entry back into circulation, preferring a direct
// hand-off to a waiter over the idle set.
func (p *Pool) returnEntry(e *entry) {
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		p.closeConn(e.conn)
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		// The buffered send happens under the mutex so that cancelWaiter,
		// which removes the channel under the same mutex, always finds the
		// hand-off in the buffer when the waiter is already gone.
		ch <- e
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	p.idle = append(p.idle, e)
	p.mu.Unlock()
	p.publishGauges()
}

// discard drops an entry permanently and signals one waiter that capacity
// became available.
func (p *Pool) discard(e *entry) {
	e.health = Dead
	p.closeConn(e.conn)
	p.unreserve()
	p.collector.IncEntryDiscarded()
}

// unreserve gives back one unit of capacity and wakes one waiter so it can
// attempt a fresh connection.
func (p *Pool) unreserve() {
	p.mu.Lock()
	p.total--
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- nil
	}
	p.mu.Unlock()
	p.publishGauges()
}

// wakeWaiter forwards a freed-capacity signal to the next waiter in line.
func (p *Pool) wakeWaiter() {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- nil
	}
	p.mu.Unlock()
}

func (p *Pool) cancelWaiter(ch chan *entry) {
	p.mu.Lock()
	found := false
	for i, waiter := range p.waiters {
		if waiter == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		// Every send to a waiter channel happens under p.mu, paired with
		// removing the channel from the queue. Not finding ourselves above
		// means the signal is already buffered; receiving cannot block.
		if e := <-ch; e != nil {
			p.returnEntry(e)
		} else {
			p.wakeWaiter()
		}
	}
	p.publishGauges()
}

func (p *Pool) closeConn(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("closing pooled connection failed")
	}
}

// Stats reports the pool's current occupancy.
type Stats struct {
	Total   int
	Idle    int
	Waiters int
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: p.total, Idle: len(p.idle), Waiters: len(p.waiters)}
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	total, idle, waiters := p.total, len(p.idle), len(p.waiters)
	p.mu.Unlock()
	p.collector.SetPoolEntries(total, idle)
	p.collector.SetPoolWaiters(waiters)
}

// Close shuts the pool down: idle connections are closed, waiters are woken
// with ErrClosed, and leases released afterwards are discarded.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	for _, ch := range p.waiters {
		ch <- nil
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, e := range idle {
		p.closeConn(e.conn)
	}
	p.publishGauges()
	p.logger.Info().Msg("connection pool closed")
}
