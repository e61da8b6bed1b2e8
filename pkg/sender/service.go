// Package sender wires the broadcaster together: it owns the control-plane
// client, the leader schedule tracker, the connection pool, the optional
// Geyser slot stream, persistence, and the JSON-RPC and framed TCP front
// ends.
//
// A Service replaces any process-wide state: every caller constructs one
// with New, starts it, and tears it down with Close.
//
//	svc, err := sender.New(cfg)
//	if err != nil { ... }
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Close()
//	res, err := svc.Send(ctx, wireTx)
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/connpool"
	"github.com/fortiblox/X1-Sender/pkg/directory"
	"github.com/fortiblox/X1-Sender/pkg/ingress"
	"github.com/fortiblox/X1-Sender/pkg/rpc"
	"github.com/fortiblox/X1-Sender/pkg/rpcclient"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
	"github.com/fortiblox/X1-Sender/pkg/slotstream"
	"github.com/fortiblox/X1-Sender/pkg/store"
	"github.com/fortiblox/X1-Sender/pkg/transport"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// readyPollInterval is how often WaitReady checks for a published schedule.
const readyPollInterval = 50 * time.Millisecond

// Service is a running transaction sender.
type Service struct {
	cfg Config
	log *slog.Logger

	// Core components
	client      *rpcclient.Client
	tracker     *schedule.Tracker
	pool        *connpool.Pool
	broadcaster *broadcast.Broadcaster

	// Optional components
	store     *store.Store
	directory *directory.Directory
	slots     *slotstream.Client
	rpcServer *rpc.Server
	ingress   *ingress.Server

	// Lifecycle
	mu        sync.Mutex
	started   atomic.Bool
	closed    atomic.Bool
	startTime time.Time
	rpcLn     net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastError   error
	lastErrorMu sync.RWMutex
}

// New constructs every component. Persistent stores are opened here;
// nothing touches the network until Start.
func New(cfg Config) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg: cfg,
		log: cfg.Log.With("component", "sender"),
	}
	if err := s.initialize(); err != nil {
		s.closeStorage()
		return nil, err
	}
	return s, nil
}

// initialize creates all components from the configuration.
func (s *Service) initialize() error {
	cfg := s.cfg

	// Persistence
	var (
		cache    schedule.Cache
		contacts rpcclient.ContactDirectory
	)
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}

		st, err := store.Open(store.DefaultConfig(filepath.Join(cfg.DataDir, "schedule.db")))
		if err != nil {
			return fmt.Errorf("open schedule store: %w", err)
		}
		s.store, cache = st, st

		dcfg := directory.DefaultConfig(filepath.Join(cfg.DataDir, "contacts"))
		dcfg.Log = cfg.Log
		dir, err := directory.Open(dcfg)
		if err != nil {
			return fmt.Errorf("open contact directory: %w", err)
		}
		s.directory, contacts = dir, dir
	}

	// Control plane
	ccfg := rpcclient.DefaultConfig(cfg.RPCEndpoints...)
	ccfg.Log = cfg.Log
	client, err := rpcclient.New(ccfg)
	if err != nil {
		return fmt.Errorf("create rpc client: %w", err)
	}
	s.client = client

	source := rpcclient.NewScheduleSource(client, rpcclient.SourceConfig{
		Directory: contacts,
		Log:       cfg.Log,
	})

	// Leader schedule
	tcfg := cfg.Schedule
	tcfg.Protocol = cfg.Protocol
	tcfg.Log = cfg.Log
	tcfg.OnStale = s.onStale
	tracker, err := schedule.NewTracker(source, cache, tcfg)
	if err != nil {
		return fmt.Errorf("create schedule tracker: %w", err)
	}
	s.tracker = tracker

	// Delivery
	var dialer transport.Dialer
	switch cfg.Protocol {
	case schedule.ProtocolUDP:
		dialer = &transport.UDPDialer{}
	default:
		qd, err := transport.NewQUICDialer(transport.QUICConfig{Identity: cfg.Identity})
		if err != nil {
			return fmt.Errorf("create quic dialer: %w", err)
		}
		dialer = qd
	}

	pcfg := cfg.Pool
	pcfg.Log = cfg.Log
	pool, err := connpool.New(dialer, pcfg)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	s.pool = pool

	b, err := broadcast.New(tracker, pool, broadcast.Config{
		FanOut:   cfg.FanOut,
		Deadline: cfg.SendDeadline,
		OnResult: cfg.OnResult,
		Log:      cfg.Log,
	})
	if err != nil {
		return fmt.Errorf("create broadcaster: %w", err)
	}
	s.broadcaster = b

	// Optional slot stream
	if cfg.GeyserEndpoint != "" {
		scfg := slotstream.DefaultConfig()
		scfg.Endpoint = cfg.GeyserEndpoint
		scfg.Token = cfg.GeyserToken
		scfg.UseTLS = cfg.GeyserUseTLS
		scfg.Log = cfg.Log
		scfg.OnSlot = func(u slotstream.SlotUpdate) {
			tracker.ObserveSlot(u.Slot)
		}
		scfg.OnDisconnect = func(err error) {
			if err != nil {
				s.reportError(fmt.Errorf("slot stream: %w", err))
			}
		}
		slots, err := slotstream.NewClient(scfg)
		if err != nil {
			return fmt.Errorf("create slot stream: %w", err)
		}
		s.slots = slots
	}

	// Optional front ends
	if cfg.RPCAddr != "" {
		rcfg := rpc.DefaultConfig()
		rcfg.Addr = cfg.RPCAddr
		rcfg.SendDeadline = cfg.SendDeadline
		rcfg.StatusFunc = func() interface{} { return s.Status() }
		rcfg.Log = cfg.Log
		s.rpcServer = rpc.New(rcfg, b, tracker)
	}

	if cfg.IngressAddr != "" {
		icfg := ingress.DefaultConfig()
		icfg.Addr = cfg.IngressAddr
		icfg.SendDeadline = cfg.SendDeadline
		icfg.Log = cfg.Log
		srv, err := ingress.New(b, icfg)
		if err != nil {
			return fmt.Errorf("create ingress: %w", err)
		}
		s.ingress = srv
	}

	return nil
}

// Start starts every component. The first schedule refresh runs
// synchronously; a failure there is logged and retried in the background,
// so Start succeeds with an empty schedule. Use WaitReady to block until a
// schedule is available.
func (s *Service) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	if err := s.start(); err != nil {
		s.Close()
		return err
	}

	s.log.Info("sender started",
		"network", s.cfg.Network,
		"protocol", s.cfg.Protocol.String(),
		"fan_out", s.cfg.FanOut,
		"rpc_endpoints", len(s.cfg.RPCEndpoints),
		"geyser", s.slots != nil,
	)
	return nil
}

func (s *Service) start() error {
	if err := s.client.Start(s.ctx); err != nil {
		return fmt.Errorf("start rpc client: %w", err)
	}
	if err := s.pool.Start(s.ctx); err != nil {
		return fmt.Errorf("start connection pool: %w", err)
	}

	// The slot stream starts first so observed slots are available to the
	// very first leader lookups.
	if s.slots != nil {
		if err := s.slots.Start(s.ctx); err != nil {
			return fmt.Errorf("start slot stream: %w", err)
		}
	}

	if err := s.tracker.Start(s.ctx); err != nil {
		return fmt.Errorf("start schedule tracker: %w", err)
	}

	if s.ingress != nil {
		if err := s.ingress.Start(s.ctx); err != nil {
			return fmt.Errorf("start ingress: %w", err)
		}
	}

	if s.rpcServer != nil {
		ln, err := net.Listen("tcp", s.cfg.RPCAddr)
		if err != nil {
			return fmt.Errorf("listen rpc %s: %w", s.cfg.RPCAddr, err)
		}
		s.mu.Lock()
		s.rpcLn = ln
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.rpcServer.Serve(s.ctx, ln); err != nil {
				s.reportError(fmt.Errorf("rpc server: %w", err))
			}
		}()
	}
	return nil
}

// WaitReady blocks until a leader schedule has been published or ctx is
// done.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if s.tracker.Snapshot() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			if err := s.tracker.LastError(); err != nil {
				return fmt.Errorf("%w: %w", ErrScheduleTimeout, err)
			}
			return fmt.Errorf("%w: %w", ErrScheduleTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Send validates raw and broadcasts it to the upcoming leaders. The error
// is nil iff at least one leader accepted the transaction.
func (s *Service) Send(ctx context.Context, raw []byte) (broadcast.SubmissionResult, error) {
	tx, err := s.prepare(raw)
	if err != nil {
		return broadcast.SubmissionResult{Err: err}, err
	}
	return s.broadcaster.Broadcast(ctx, tx, s.cfg.SendDeadline)
}

// SendAsync is Send without waiting: the channel receives one result and is
// closed.
func (s *Service) SendAsync(ctx context.Context, raw []byte) (<-chan broadcast.SubmissionResult, error) {
	tx, err := s.prepare(raw)
	if err != nil {
		return nil, err
	}
	return s.broadcaster.BroadcastAsync(ctx, tx, s.cfg.SendDeadline), nil
}

func (s *Service) prepare(raw []byte) (*wire.Transaction, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	return wire.Parse(raw)
}

// LatestBlockhash fetches a recent blockhash from the control plane.
func (s *Service) LatestBlockhash(ctx context.Context) (types.Hash, error) {
	bh, err := s.client.GetLatestBlockhash(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	return bh.Blockhash, nil
}

// Leaders returns the next count distinct leaders.
func (s *Service) Leaders(count int) ([]schedule.LeaderSlotEntry, error) {
	return s.tracker.CurrentLeaders(count)
}

// Tracker returns the leader schedule tracker.
func (s *Service) Tracker() *schedule.Tracker { return s.tracker }

// Broadcaster returns the broadcaster.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// RPCAddr returns the bound JSON-RPC address, or nil when disabled or not
// started.
func (s *Service) RPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpcLn == nil {
		return nil
	}
	return s.rpcLn.Addr()
}

// IngressAddr returns the bound ingress address, or nil when disabled or
// not started.
func (s *Service) IngressAddr() net.Addr {
	if s.ingress == nil {
		return nil
	}
	return s.ingress.Addr()
}

func (s *Service) onStale(err *schedule.StaleError) {
	s.reportError(err)
	if s.cfg.OnStale != nil {
		s.cfg.OnStale(err)
	}
}

func (s *Service) reportError(err error) {
	s.setLastError(err)
	s.log.Warn("sender error", "err", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// Close stops all components in reverse start order and closes storage.
// It is safe to call more than once.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	var errs error
	if s.rpcServer != nil {
		errs = multierr.Append(errs, s.rpcServer.Stop())
	}
	if s.ingress != nil {
		errs = multierr.Append(errs, s.ingress.Close())
	}
	if s.slots != nil {
		errs = multierr.Append(errs, s.slots.Close())
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.pool != nil {
		errs = multierr.Append(errs, s.pool.Close())
	}
	if s.client != nil {
		errs = multierr.Append(errs, s.client.Close())
	}

	s.wg.Wait()
	errs = multierr.Append(errs, s.closeStorage())

	if errs != nil {
		return fmt.Errorf("close sender: %w", errs)
	}
	return nil
}

func (s *Service) closeStorage() error {
	var errs error
	if s.directory != nil {
		errs = multierr.Append(errs, s.directory.Close())
	}
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Close())
	}
	return errs
}

func (s *Service) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err
	s.lastErrorMu.Unlock()
}

func (s *Service) getLastError() error {
	s.lastErrorMu.RLock()
	defer s.lastErrorMu.RUnlock()
	return s.lastError
}

// SendWireTransaction sends one serialized transaction with a short-lived
// service built from cfg and reports whether any leader accepted it. It is
// the one-call entry point for callers that do not keep a Service around;
// ctx bounds schedule loading and delivery together.
func SendWireTransaction(ctx context.Context, cfg Config, raw []byte) (bool, error) {
	if _, err := wire.Parse(raw); err != nil {
		return false, err
	}

	svc, err := New(cfg)
	if err != nil {
		return false, err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return false, err
	}
	if err := svc.WaitReady(ctx); err != nil {
		return false, err
	}

	res, err := svc.Send(ctx, raw)
	return res.Success, err
}
