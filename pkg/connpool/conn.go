package connpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Sender/pkg/transport"
)

// Health is the state of a pooled connection.
type Health int32

const (
	Healthy Health = iota
	Degraded
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("Health(%d)", int32(h))
	}
}

// PooledConnection is a transport connection owned by a Pool.
type PooledConnection struct {
	addr    string
	conn    transport.Conn
	created time.Time

	lastUsed atomic.Int64 // Unix nano timestamp
	health   atomic.Int32
	sends    atomic.Uint64

	closeOnce sync.Once
}

func newPooledConnection(addr string, conn transport.Conn, now time.Time) *PooledConnection {
	pc := &PooledConnection{addr: addr, conn: conn, created: now}
	pc.lastUsed.Store(now.UnixNano())
	return pc
}

// Send writes payload through the underlying transport.
func (pc *PooledConnection) Send(ctx context.Context, payload []byte) error {
	pc.lastUsed.Store(time.Now().UnixNano())
	pc.sends.Add(1)
	return pc.conn.Send(ctx, payload)
}

// Addr returns the endpoint address.
func (pc *PooledConnection) Addr() string { return pc.addr }

// Health returns the current health state.
func (pc *PooledConnection) Health() Health { return Health(pc.health.Load()) }

// Created returns when the connection was established.
func (pc *PooledConnection) Created() time.Time { return pc.created }

// LastUsed returns the time of the last Send.
func (pc *PooledConnection) LastUsed() time.Time { return time.Unix(0, pc.lastUsed.Load()) }

// Sends returns the number of sends attempted on this connection.
func (pc *PooledConnection) Sends() uint64 { return pc.sends.Load() }

func (pc *PooledConnection) close() {
	pc.closeOnce.Do(func() {
		pc.conn.Close()
	})
}
