// Package rpc implements a Solana-compatible JSON-RPC 2.0 front end for the
// broadcaster.
//
// Wallets and SDKs that already speak JSON-RPC can point their
// sendTransaction calls at this server; each transaction is forwarded
// directly to the upcoming leaders instead of to an RPC node.
//
// Supported methods:
//   - Transactions: sendTransaction
//   - Cluster: getSlot, getSlotLeader, getSlotLeaders, getHealth, getVersion
//
// Plain HTTP routes:
//   - GET /health          "ok", "behind" or "unknown"
//   - GET /api/status      service status as JSON
//   - GET /api/leaders     upcoming leaders (?count=N)
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// Version reported by getVersion.
const (
	SolanaCore = "x1-sender-0.1.0"
	FeatureSet = 0
)

// Server errors.
var (
	ErrAlreadyRunning = errors.New("server already running")
)

// Broadcaster delivers a transaction to the upcoming leaders.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.Transaction, deadline time.Duration) (broadcast.SubmissionResult, error)
}

// Leaders exposes the tracked leader schedule.
type Leaders interface {
	CurrentSlot() (uint64, error)
	CurrentLeaders(count int) ([]schedule.LeaderSlotEntry, error)
	Snapshot() *schedule.Snapshot
	Stale() bool
	Status() schedule.Status
}

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// SendDeadline bounds each sendTransaction broadcast. Zero uses the
	// broadcaster's default.
	SendDeadline time.Duration

	// MaxLeaders caps the count accepted by /api/leaders.
	MaxLeaders int

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests logs every dispatched method at debug level.
	LogRequests bool

	// StatusFunc produces the /api/status body. Defaults to the tracker
	// status.
	StatusFunc func() interface{}

	Log *slog.Logger
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 50 * 1024, // 50KB
		MaxLeaders:     64,
		EnableCORS:     true,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config
	log    *slog.Logger

	broadcaster Broadcaster
	leaders     Leaders

	server *http.Server
	addr   net.Addr

	// Method handlers
	handlers map[string]handlerFunc

	// Lifecycle
	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server.
func New(config Config, broadcaster Broadcaster, leaders Leaders) *Server {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if config.MaxLeaders <= 0 {
		config.MaxLeaders = DefaultConfig().MaxLeaders
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}

	s := &Server{
		config:      config,
		log:         config.Log.With("component", "rpc"),
		broadcaster: broadcaster,
		leaders:     leaders,
		handlers:    make(map[string]handlerFunc),
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["sendTransaction"] = s.sendTransaction

	s.handlers["getSlot"] = s.getSlot
	s.handlers["getSlotLeader"] = s.getSlotLeader
	s.handlers["getSlotLeaders"] = s.getSlotLeaders
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
}

// Handler returns the HTTP handler serving JSON-RPC and the status routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/leaders", s.handleLeaders).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return s.corsMiddleware(r)
}

// Start listens on Config.Addr and serves until ctx is cancelled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return ErrAlreadyRunning
	}
	s.running = true
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	srv := s.server
	s.mu.Unlock()

	// Handle graceful shutdown
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("rpc server listening", "addr", ln.Addr().String())

	err := srv.Serve(ln)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once the server is serving.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, solana-client")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeJSON(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	// Read request body with size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeJSON(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	// Check if this is a batch request
	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	s.writeJSON(w, s.call(r.Context(), req))
}

// handleBatchRequest handles batch JSON-RPC requests. Entries are served
// concurrently and answered in request order.
func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeJSON(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	if len(requests) == 0 {
		s.writeJSON(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	responses := make([]Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			responses[i] = s.call(ctx, req)
		}(i, req)
	}
	wg.Wait()

	s.writeJSON(w, responses)
}

// call validates and dispatches one request.
func (s *Server) call(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}
	if req.JSONRPC != JSONRPCVersion {
		resp.Error = ErrInvalidRequest
		return resp
	}

	if s.config.LogRequests {
		s.log.Debug("rpc request", "method", req.Method, "id", req.ID)
	}

	resp.Result, resp.Error = s.dispatch(ctx, req.Method, req.Params)
	return resp
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	return handler(ctx, params)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response", "err", err)
	}
}

// handleHealth answers like a validator's /health route.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	switch {
	case s.leaders.Snapshot() == nil:
		status = "unknown"
	case s.leaders.Stale():
		status = "behind"
	}
	w.Header().Set("Content-Type", "text/plain")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	io.WriteString(w, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.config.StatusFunc != nil {
		s.writeJSON(w, s.config.StatusFunc())
		return
	}
	s.writeJSON(w, s.leaders.Status())
}

func (s *Server) handleLeaders(w http.ResponseWriter, r *http.Request) {
	count := 4
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.config.MaxLeaders {
			http.Error(w, fmt.Sprintf("count must be between 1 and %d", s.config.MaxLeaders), http.StatusBadRequest)
			return
		}
		count = n
	}

	entries, err := s.leaders.CurrentLeaders(count)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	out := make([]LeaderInfo, len(entries))
	for i, e := range entries {
		out[i] = LeaderInfo{Slot: e.Slot, Leader: e.Leader.String(), Addr: e.Addr}
	}
	s.writeJSON(w, out)
}
