package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// ErrUnexpectedStatus is returned when the server answers with a byte that
// is neither accepted nor rejected.
var ErrUnexpectedStatus = errors.New("unexpected status byte")

// Client submits transactions to an ingress Server over one connection.
// It is safe for concurrent use; requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to an ingress server.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ingress %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Send submits one serialized transaction and reports whether at least one
// leader accepted it. The payload is validated locally first.
func (c *Client) Send(ctx context.Context, tx []byte) (bool, error) {
	if _, err := wire.Parse(tx); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A context without deadline yields the zero time, which clears it.
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteFrame(c.conn, tx); err != nil {
		return false, c.ctxErr(ctx, fmt.Errorf("write frame: %w", err))
	}

	var status [1]byte
	if _, err := io.ReadFull(c.conn, status[:]); err != nil {
		return false, c.ctxErr(ctx, fmt.Errorf("read status: %w", err))
	}

	switch status[0] {
	case wire.StatusAccepted:
		return true, nil
	case wire.StatusRejected:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrUnexpectedStatus, status[0])
	}
}

// ctxErr prefers the context's error when it caused the I/O failure. The
// socket deadline equals the context deadline, so the socket may time out
// before the context's own timer has fired.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
