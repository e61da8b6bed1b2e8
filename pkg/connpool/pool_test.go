package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Sender/pkg/transport"
)

type fakeConn struct {
	addr   string
	closed atomic.Bool
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeDialer counts dials. When gate is set every dial blocks on it.
type fakeDialer struct {
	dials atomic.Int32
	gate  chan struct{}
	err   error

	mu      sync.Mutex
	conns   []*fakeConn
	ctxErrs []error
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctxErrs = append(d.ctxErrs, ctx.Err())
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{addr: addr}
	d.conns = append(d.conns, c)
	return c, nil
}

func newTestPool(t *testing.T, d transport.Dialer, cfg Config) *Pool {
	t.Helper()
	cfg.Log = slogt.New(t)
	p, err := New(d, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.DialTimeout = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := New(&fakeDialer{}, Config{IdleTimeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConcurrentGetOrCreateDialsOnce(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	p := newTestPool(t, d, DefaultConfig())

	const callers = 32
	results := make([]*PooledConnection, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.GetOrCreate(context.Background(), "10.0.0.1:8009")
		}(i)
	}

	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	close(d.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 1, p.Len())

	// Later calls reuse the live connection.
	again, err := p.GetOrCreate(context.Background(), "10.0.0.1:8009")
	require.NoError(t, err)
	assert.Same(t, results[0], again)
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestCallerCancelDoesNotCancelDial(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	p := newTestPool(t, d, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.GetOrCreate(ctx, "10.0.0.2:8009")
		first <- err
	}()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *PooledConnection, 1)
	go func() {
		pc, _ := p.GetOrCreate(context.Background(), "10.0.0.2:8009")
		second <- pc
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(d.gate)
	pc := <-second
	require.NotNil(t, pc)
	assert.Equal(t, "10.0.0.2:8009", pc.Addr())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []error{nil}, d.ctxErrs, "dial ran under the pool context")
}

func TestDialFailureIsConnectError(t *testing.T) {
	boom := errors.New("connection refused")
	d := &fakeDialer{err: boom}
	p := newTestPool(t, d, DefaultConfig())

	_, err := p.GetOrCreate(context.Background(), "10.0.0.3:8009")
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "10.0.0.3:8009", ce.Addr)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsConnectError(err))
	assert.False(t, IsConnectError(boom))

	assert.Equal(t, 0, p.Len())
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Dials)
	assert.Equal(t, uint64(1), stats.DialFailures)
}

func TestDialTimeout(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.DialTimeout = 20 * time.Millisecond
	p := newTestPool(t, d, cfg)

	_, err := p.GetOrCreate(context.Background(), "10.0.0.4:8009")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsConnectError(err))
}

func TestHealthTransitions(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, DefaultConfig())
	ctx := context.Background()

	pc, err := p.GetOrCreate(ctx, "10.0.0.5:8009")
	require.NoError(t, err)
	assert.Equal(t, Healthy, pc.Health())

	// A cancelled attempt degrades but keeps the connection.
	p.MarkDegraded(pc)
	assert.Equal(t, Degraded, pc.Health())
	p.MarkHealthy(pc)
	assert.Equal(t, Healthy, pc.Health())

	p.MarkUnhealthy(pc)
	assert.Equal(t, Degraded, pc.Health())
	same, err := p.GetOrCreate(ctx, "10.0.0.5:8009")
	require.NoError(t, err)
	assert.Same(t, pc, same)

	p.MarkUnhealthy(pc)
	assert.Equal(t, Dead, pc.Health())
	assert.Equal(t, 0, p.Len())
	assert.True(t, d.conns[0].closed.Load())

	// Dead connections stay dead.
	p.MarkHealthy(pc)
	assert.Equal(t, Dead, pc.Health())

	replacement, err := p.GetOrCreate(ctx, "10.0.0.5:8009")
	require.NoError(t, err)
	assert.NotSame(t, pc, replacement)
	assert.Equal(t, int32(2), d.dials.Load())
	assert.Equal(t, uint64(1), p.Stats().Evictions)
}

func TestEvictIdle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, DefaultConfig())
	ctx := context.Background()

	old, err := p.GetOrCreate(ctx, "10.0.0.6:8009")
	require.NoError(t, err)
	fresh, err := p.GetOrCreate(ctx, "10.0.0.7:8009")
	require.NoError(t, err)

	old.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	require.NoError(t, fresh.Send(ctx, []byte{1}))

	assert.Equal(t, 1, p.EvictIdle(time.Minute))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, Dead, old.Health())
	assert.Equal(t, uint64(1), fresh.Sends())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Healthy)
}

func TestJanitorAndClose(t *testing.T) {
	d := &fakeDialer{}
	cfg := DefaultConfig()
	cfg.IdleTimeout = 40 * time.Millisecond
	p := newTestPool(t, d, cfg)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	_, err := p.GetOrCreate(context.Background(), "10.0.0.8:8009")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	pc, err := p.GetOrCreate(context.Background(), "10.0.0.9:8009")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, Dead, pc.Health())
	assert.ErrorIs(t, pc.Send(context.Background(), []byte{1}), transport.ErrClosed)

	_, err = p.GetOrCreate(context.Background(), "10.0.0.9:8009")
	assert.ErrorIs(t, err, ErrClosed)
}
