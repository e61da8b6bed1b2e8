// Package ingress accepts signed transactions from other processes over a
// framed TCP protocol and broadcasts them.
//
// Each request is a 4-byte big-endian length followed by the serialized
// transaction (at most wire.PacketDataSize bytes). Each request is answered
// with one status byte: wire.StatusAccepted when at least one leader accepted
// the transaction, wire.StatusRejected otherwise. A connection may carry any
// number of requests; they are answered in order.
//
// A header announcing an oversized frame is answered with a reject and the
// connection is closed, since the unread body leaves the stream out of sync.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// Default configuration values.
const (
	DefaultAddr         = "127.0.0.1:8010"
	DefaultMaxConns     = 256
	DefaultIdleTimeout  = 60 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Ingress errors.
var (
	ErrInvalidConfig  = errors.New("invalid ingress configuration")
	ErrAlreadyStarted = errors.New("ingress already started")
	ErrClosed         = errors.New("ingress closed")
)

// Broadcaster delivers a transaction to the upcoming leaders.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.Transaction, deadline time.Duration) (broadcast.SubmissionResult, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address used by Start.
	Addr string

	// MaxConns bounds concurrent client connections. Extra connections are
	// closed immediately.
	MaxConns int

	// IdleTimeout closes a connection that sends no frame for this long.
	IdleTimeout time.Duration

	// WriteTimeout bounds writing a status byte.
	WriteTimeout time.Duration

	// SendDeadline bounds each broadcast. Zero uses the broadcaster's
	// default.
	SendDeadline time.Duration

	Log *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		MaxConns:     DefaultMaxConns,
		IdleTimeout:  DefaultIdleTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxConns < 1 {
		return fmt.Errorf("%w: max connections must be positive", ErrInvalidConfig)
	}
	if c.IdleTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.SendDeadline < 0 {
		return fmt.Errorf("%w: send deadline must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxConns == 0 {
		c.MaxConns = d.MaxConns
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Stats counts ingress activity.
type Stats struct {
	Connections uint64 `json:"connections"`
	Refused     uint64 `json:"refused"`
	Frames      uint64 `json:"frames"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Malformed   uint64 `json:"malformed"`
}

// Server is the framed TCP ingress.
type Server struct {
	cfg   Config
	b     Broadcaster
	log   *slog.Logger
	slots *semaphore.Weighted

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connections atomic.Uint64
	refused     atomic.Uint64
	frames      atomic.Uint64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	malformed   atomic.Uint64
}

// New creates a Server.
func New(b Broadcaster, cfg Config) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		b:     b,
		log:   cfg.Log.With("component", "ingress"),
		slots: semaphore.NewWeighted(int64(cfg.MaxConns)),
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Start listens on Config.Addr and serves in the background until ctx is
// cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	if err := s.start(ctx, ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// Serve serves on ln until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.start(ctx, ln); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

func (s *Server) start(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.acceptLoop()
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.shutdown()
	}()

	s.log.Info("ingress listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listen address, or nil before the server starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Warn("accept failed", "err", err)
			return
		}

		if !s.slots.TryAcquire(1) {
			s.refused.Add(1)
			s.log.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if !s.track(conn) {
			s.slots.Release(1)
			conn.Close()
			return
		}
		s.connections.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// handleConn serves frames on one connection until EOF, an unrecoverable
// framing error or shutdown.
func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With("remote", conn.RemoteAddr().String())

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		body, err := wire.ReadFrame(conn, wire.PacketDataSize)
		switch {
		case err == nil:
		case errors.Is(err, wire.ErrEmpty):
			// The empty frame was fully consumed; the stream is still in sync.
			s.malformed.Add(1)
			if !s.reply(conn, wire.StatusRejected) {
				return
			}
			continue
		case errors.Is(err, wire.ErrFrameTooLarge):
			s.malformed.Add(1)
			log.Warn("oversized frame", "err", err)
			s.reply(conn, wire.StatusRejected)
			return
		default:
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Debug("connection closed", "err", err)
			}
			return
		}

		s.frames.Add(1)
		if !s.reply(conn, s.process(body, log)) {
			return
		}
	}
}

// process validates and broadcasts one frame body.
func (s *Server) process(body []byte, log *slog.Logger) byte {
	tx, err := wire.Parse(body)
	if err != nil {
		s.malformed.Add(1)
		log.Debug("malformed transaction", "err", err)
		return wire.StatusRejected
	}

	_, err = s.b.Broadcast(s.ctx, tx, s.cfg.SendDeadline)
	if err != nil {
		s.rejected.Add(1)
		log.Info("transaction not delivered", "signature", tx.Signature(), "err", err)
		return wire.StatusRejected
	}
	s.accepted.Add(1)
	return wire.StatusAccepted
}

func (s *Server) reply(conn net.Conn, status byte) bool {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err := conn.Write([]byte{status})
	return err == nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

// Close stops accepting, closes open connections and waits for handlers
// to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

// Stats returns ingress counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Refused:     s.refused.Load(),
		Frames:      s.frames.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Malformed:   s.malformed.Load(),
	}
}
