// Package slotstream follows the cluster's current slot over a Yellowstone
// Geyser gRPC subscription. It feeds the leader tracker with slot updates
// that arrive faster than polling getSlot.
package slotstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Client errors.
var (
	ErrClosed         = errors.New("slot stream closed")
	ErrAlreadyStarted = errors.New("slot stream already started")
	ErrStreamClosed   = errors.New("geyser stream closed")
	ErrMaxReconnects  = errors.New("max reconnection attempts reached")
)

const subscribeMethod = "/geyser.Geyser/Subscribe"

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	ClientStreams: true,
}

// Health is a point-in-time view of the stream.
type Health struct {
	Connected      bool      `json:"connected"`
	Endpoint       string    `json:"endpoint"`
	LastSlot       uint64    `json:"lastSlot"`
	LastUpdate     time.Time `json:"lastUpdate"`
	ReconnectCount int       `json:"reconnectCount"`
	LastError      string    `json:"lastError,omitempty"`
}

// Client subscribes to slot updates and reconnects with exponential
// backoff when the stream fails or goes quiet.
type Client struct {
	config Config
	log    *slog.Logger

	connected      atomic.Bool
	closed         atomic.Bool
	started        atomic.Bool
	lastSlot       atomic.Uint64
	lastUpdate     atomic.Int64 // Unix nano timestamp
	reconnectCount atomic.Int32
	pingID         atomic.Int32

	lastError   error
	lastErrorMu sync.RWMutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// slotStream serializes sends on a client stream. The receive loop answers
// server pings while the ping loop sends its own.
type slotStream struct {
	mu     sync.Mutex
	stream grpc.ClientStream
}

func (s *slotStream) send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(&rawMessage{data: b})
}

// NewClient creates a slot stream client. Nothing is dialed until Start.
func NewClient(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		log:    config.Log.With("component", "slotstream", "endpoint", config.Endpoint),
	}, nil
}

// Start begins streaming in the background. Connection failures are
// retried until Close; they are reported through Health and OnDisconnect.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// run owns the connection lifecycle: one session at a time, with backoff
// between sessions.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for {
		received, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setLastError(err)

		if received {
			backoff = c.config.ReconnectMinDelay
			attempt = 0
		}
		attempt++
		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			c.setLastError(ErrMaxReconnects)
			c.log.Error("giving up on slot stream", "attempts", attempt-1, "err", err)
			return
		}

		delay := backoff
		if !isRetryableError(err) {
			delay = c.config.ReconnectMaxDelay
		}
		c.log.Warn("slot stream disconnected", "err", err, "retry_in", delay, "attempt", attempt)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		c.reconnectCount.Add(1)
		backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
	}
}

// session dials, subscribes and receives until the stream ends. It reports
// whether any update was received.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := c.dial()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sctx, cancel := context.WithCancel(ctx)
	var loops sync.WaitGroup
	defer func() {
		cancel()
		loops.Wait()
	}()

	md := metadata.New(c.config.Headers)
	stream, err := conn.NewStream(metadata.NewOutgoingContext(sctx, md), subscribeDesc, subscribeMethod)
	if err != nil {
		return false, fmt.Errorf("create stream: %w", err)
	}
	s := &slotStream{stream: stream}

	if err := s.send(encodeSubscribeRequest(c.config.Commitment)); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	c.lastUpdate.Store(time.Now().UnixNano())
	c.connected.Store(true)
	c.log.Info("slot stream subscribed", "commitment", c.config.Commitment)
	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	stale := make(chan error, 1)
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.pingLoop(sctx, s)
	}()
	go func() {
		defer loops.Done()
		c.healthCheckLoop(sctx, cancel, stale)
	}()

	received := false
	for {
		var msg rawMessage
		if err := stream.RecvMsg(&msg); err != nil {
			select {
			case staleErr := <-stale:
				err = staleErr
			default:
				if errors.Is(err, io.EOF) {
					err = ErrStreamClosed
				}
			}
			if ctx.Err() != nil {
				err = nil
			}
			c.handleDisconnect(err)
			return received, err
		}

		received = true
		c.lastUpdate.Store(time.Now().UnixNano())
		if err := c.processUpdate(s, msg.data); err != nil {
			c.log.Debug("dropping malformed update", "err", err)
		}
	}
}

// dial creates the gRPC connection.
func (c *Client) dial() (*grpc.ClientConn, error) {
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
			grpc.ForceCodec(rawCodec{}),
		),
	}

	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.ExpandedToken(),
			requireTLS: c.config.UseTLS,
		}))
	}

	//nolint:staticcheck // grpc.NewClient is not available in all supported versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial geyser: %w", err)
	}
	return conn, nil
}

// processUpdate handles a single SubscribeUpdate.
func (c *Client) processUpdate(s *slotStream, data []byte) error {
	u, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	// Providers behind load balancers drop streams that leave server pings
	// unanswered.
	if u.ping {
		if err := s.send(encodePing(c.pingID.Add(1))); err != nil {
			c.setLastError(err)
		}
	}

	if u.slot == nil || u.slot.Status == SlotDead {
		return nil
	}

	update := *u.slot
	update.ReceivedAt = time.Now()
	for {
		prev := c.lastSlot.Load()
		if update.Slot <= prev || c.lastSlot.CompareAndSwap(prev, update.Slot) {
			break
		}
	}

	if c.config.OnSlot != nil {
		c.config.OnSlot(update)
	}
	return nil
}

// pingLoop sends periodic ping messages to keep the stream alive.
func (c *Client) pingLoop(ctx context.Context, s *slotStream) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(encodePing(c.pingID.Add(1))); err != nil {
				// The receive loop sees the broken stream.
				c.setLastError(err)
			}
		}
	}
}

// healthCheckLoop ends the session when no update arrives within
// StaleTimeout.
func (c *Client) healthCheckLoop(ctx context.Context, cancel context.CancelFunc, stale chan<- error) {
	interval := c.config.StaleTimeout / 4
	if interval <= 0 {
		interval = c.config.StaleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since := time.Since(time.Unix(0, c.lastUpdate.Load()))
			if since > c.config.StaleTimeout {
				stale <- fmt.Errorf("connection stale: no updates for %v", since.Round(time.Millisecond))
				cancel()
				return
			}
		}
	}
}

// handleDisconnect records the end of a session.
func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}
}

// LastSlot returns the highest slot seen, or 0.
func (c *Client) LastSlot() uint64 {
	return c.lastSlot.Load()
}

// Health returns the current health status of the client.
func (c *Client) Health() Health {
	h := Health{
		Connected:      c.connected.Load(),
		Endpoint:       c.config.Endpoint,
		LastSlot:       c.lastSlot.Load(),
		ReconnectCount: int(c.reconnectCount.Load()),
	}
	if ts := c.lastUpdate.Load(); ts != 0 {
		h.LastUpdate = time.Unix(0, ts)
	}
	if err := c.getLastError(); err != nil {
		h.LastError = err.Error()
	}
	return h
}

// Close stops the stream and waits for its goroutines. It is safe to call
// more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.wg.Wait()
	return nil
}

func (c *Client) setLastError(err error) {
	if err == nil {
		return
	}
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// isRetryableError reports whether a reconnect can succeed without a
// configuration change. Auth and protocol errors back off to the maximum
// delay instead.
func isRetryableError(err error) bool {
	if err == nil {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.Unimplemented:
			return false
		}
	}
	return true
}
