// Package connpool keeps at most one live transport connection per TPU
// endpoint.
//
// Connections are created lazily on first use. Concurrent requests for the
// same endpoint share a single dial, which runs under the pool's own context
// so that one caller giving up does not fail the others. A connection that
// fails twice in a row is closed and replaced on next use; connections left
// unused for IdleTimeout are closed by a background janitor.
//
// Usage:
//
//	pool, _ := connpool.New(dialer, connpool.DefaultConfig())
//	pool.Start(ctx)
//	defer pool.Close()
//
//	conn, err := pool.GetOrCreate(ctx, "192.0.2.1:8009")
//	if err != nil {
//	    // *ConnectError
//	}
//	if err := conn.Send(ctx, tx); err != nil {
//	    pool.MarkUnhealthy(conn)
//	}
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fortiblox/X1-Sender/pkg/transport"
)

// Pool errors.
var (
	ErrClosed         = errors.New("connection pool closed")
	ErrAlreadyStarted = errors.New("connection pool already started")
	ErrInvalidConfig  = errors.New("invalid connection pool configuration")
)

// Default configuration values.
const (
	DefaultDialTimeout = 2 * time.Second
	DefaultIdleTimeout = 60 * time.Second
)

// ConnectError reports a failed dial to one endpoint.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err is or wraps a *ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// Config configures a Pool.
type Config struct {
	// DialTimeout bounds each dial, independent of any caller's context.
	DialTimeout time.Duration

	// IdleTimeout is how long a connection may go unused before the janitor
	// closes it. The janitor runs every IdleTimeout/2.
	IdleTimeout time.Duration

	Log *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout: DefaultDialTimeout,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial timeout must be positive", ErrInvalidConfig)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Connections  int    `json:"connections"`
	Healthy      int    `json:"healthy"`
	Degraded     int    `json:"degraded"`
	Dials        uint64 `json:"dials"`
	DialFailures uint64 `json:"dialFailures"`
	Evictions    uint64 `json:"evictions"`
}

// Pool owns the connections. All methods are safe for concurrent use.
type Pool struct {
	dialer transport.Dialer
	cfg    Config
	log    *slog.Logger

	mu    sync.Mutex
	conns map[string]*PooledConnection
	group singleflight.Group

	dials        atomic.Uint64
	dialFailures atomic.Uint64
	evictions    atomic.Uint64

	// Dials run under ctx, canceled by Close.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	now func() time.Time
}

// New creates a pool that dials through dialer. Connections can be requested
// immediately; Start only launches the idle janitor.
func New(dialer transport.Dialer, cfg Config) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		dialer: dialer,
		cfg:    cfg,
		log:    cfg.Log.With("component", "connpool"),
		conns:  make(map[string]*PooledConnection),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}, nil
}

// Start runs the idle janitor until ctx is done or Close is called.
func (p *Pool) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p.wg.Add(1)
	go p.janitor(ctx)
	return nil
}

func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictIdle(p.cfg.IdleTimeout); n > 0 {
				p.log.Debug("evicted idle connections", "count", n)
			}
		}
	}
}

// GetOrCreate returns the live connection for addr, dialing one if needed.
// A dial failure is returned as *ConnectError. If ctx ends first, ctx.Err()
// is returned and the dial continues for other callers.
func (p *Pool) GetOrCreate(ctx context.Context, addr string) (*PooledConnection, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if pc := p.lookup(addr); pc != nil {
		return pc, nil
	}

	ch := p.group.DoChan(addr, func() (interface{}, error) {
		return p.dial(addr)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*PooledConnection), nil
	}
}

func (p *Pool) lookup(addr string) *PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc := p.conns[addr]; pc != nil && pc.Health() != Dead {
		return pc
	}
	return nil
}

// dial runs once per flight.
func (p *Pool) dial(addr string) (*PooledConnection, error) {
	// A previous flight may have finished between lookup and DoChan.
	if pc := p.lookup(addr); pc != nil {
		return pc, nil
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.DialTimeout)
	defer cancel()

	p.dials.Add(1)
	start := p.now()
	conn, err := p.dialer.Dial(ctx, addr)
	if err != nil {
		p.dialFailures.Add(1)
		p.log.Debug("dial failed", "endpoint", addr, "err", err)
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	pc := newPooledConnection(addr, conn, p.now())

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		conn.Close()
		return nil, &ConnectError{Addr: addr, Err: ErrClosed}
	}
	old := p.conns[addr]
	p.conns[addr] = pc
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
	p.log.Debug("connected", "endpoint", addr, "took", p.now().Sub(start))
	return pc, nil
}

// MarkHealthy records a successful send.
func (p *Pool) MarkHealthy(pc *PooledConnection) {
	for {
		h := pc.health.Load()
		if Health(h) == Healthy || Health(h) == Dead {
			return
		}
		if pc.health.CompareAndSwap(h, int32(Healthy)) {
			return
		}
	}
}

// MarkDegraded records an attempt that was cut short by its deadline. The
// connection stays in the pool.
func (p *Pool) MarkDegraded(pc *PooledConnection) {
	pc.health.CompareAndSwap(int32(Healthy), int32(Degraded))
}

// MarkUnhealthy records a failed send. A healthy connection becomes
// degraded; a degraded one is closed and evicted, and the next
// GetOrCreate dials a replacement.
func (p *Pool) MarkUnhealthy(pc *PooledConnection) {
	for {
		switch h := Health(pc.health.Load()); h {
		case Healthy:
			if pc.health.CompareAndSwap(int32(Healthy), int32(Degraded)) {
				return
			}
		case Degraded:
			if pc.health.CompareAndSwap(int32(Degraded), int32(Dead)) {
				p.evict(pc)
				p.log.Debug("evicted dead connection", "endpoint", pc.addr)
				return
			}
		default:
			return
		}
	}
}

func (p *Pool) evict(pc *PooledConnection) {
	p.mu.Lock()
	if p.conns[pc.addr] == pc {
		delete(p.conns, pc.addr)
	}
	p.mu.Unlock()

	p.evictions.Add(1)
	pc.close()
}

// EvictIdle closes connections unused for longer than maxAge and returns
// how many were closed.
func (p *Pool) EvictIdle(maxAge time.Duration) int {
	cutoff := p.now().Add(-maxAge)

	var idle []*PooledConnection
	p.mu.Lock()
	for addr, pc := range p.conns {
		if pc.LastUsed().Before(cutoff) {
			idle = append(idle, pc)
			delete(p.conns, addr)
		}
	}
	p.mu.Unlock()

	for _, pc := range idle {
		pc.health.Store(int32(Dead))
		pc.close()
	}
	p.evictions.Add(uint64(len(idle)))
	return len(idle)
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Dials:        p.dials.Load(),
		DialFailures: p.dialFailures.Load(),
		Evictions:    p.evictions.Load(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s.Connections = len(p.conns)
	for _, pc := range p.conns {
		switch pc.Health() {
		case Healthy:
			s.Healthy++
		case Degraded:
			s.Degraded++
		}
	}
	return s
}

// Close stops the janitor, cancels in-flight dials and closes every
// connection. It is safe to call more than once.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*PooledConnection)
	p.mu.Unlock()

	for _, pc := range conns {
		pc.health.Store(int32(Dead))
		pc.close()
	}
	return nil
}
