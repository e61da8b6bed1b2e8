package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// UDPDialer dials connected UDP sockets. Each Send is one datagram.
type UDPDialer struct {
	// LocalAddr optionally binds the local side (e.g. "0.0.0.0:0").
	LocalAddr string
}

var _ Dialer = (*UDPDialer)(nil)

// Dial resolves addr and connects a UDP socket to it.
func (d *UDPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var nd net.Dialer
	if d.LocalAddr != "" {
		local, err := net.ResolveUDPAddr("udp", d.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve local address: %w", err)
		}
		nd.LocalAddr = local
	}

	c, err := nd.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	return &udpConn{conn: c, addr: addr}, nil
}

type udpConn struct {
	mu     sync.Mutex // serializes deadline+write
	conn   net.Conn
	addr   string
	closed atomic.Bool
}

func (c *udpConn) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline() // zero clears any previous deadline
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}
	return nil
}

func (c *udpConn) RemoteAddr() string { return c.addr }

func (c *udpConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
