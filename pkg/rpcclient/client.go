// Package rpcclient is the control-plane client of the sender: a JSON-RPC
// client for Solana-compatible nodes with an endpoint pool, plus the
// ScheduleSource that turns getSlot, getSlotLeaders and getClusterNodes into
// leader schedule snapshots.
//
// Requests fail over across endpoints on transport errors. JSON-RPC errors
// are returned as *RPCError and are not treated as endpoint health issues.
package rpcclient

import (
	"bytes"
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
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

// Default configuration values.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultMaxFailures       = 3
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultCommitment        = "processed"

	// maxResponseSize bounds response bodies; getClusterNodes on mainnet is
	// a few MB.
	maxResponseSize = 32 << 20

	// quicPortOffset is the offset of the TPU QUIC port from the TPU port
	// used by validators that do not advertise tpuQuic.
	quicPortOffset = 6
)

// Config holds the configuration for the RPC client.
type Config struct {
	// Endpoints is the list of JSON-RPC URLs. At least one is required.
	Endpoints []string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxFailures is the number of consecutive transport failures after
	// which an endpoint is marked unhealthy.
	MaxFailures int

	// HealthCheckPeriod is the interval between getHealth probes of
	// unhealthy endpoints while the client is started.
	HealthCheckPeriod time.Duration

	// Commitment is used for getSlot and getLatestBlockhash.
	Commitment string

	// OnHealthChange is called when an endpoint changes health state.
	OnHealthChange func(url string, healthy bool)

	// Log defaults to slog.Default().
	Log *slog.Logger
}

// DefaultConfig returns a configuration for the given endpoints.
func DefaultConfig(endpoints ...string) Config {
	return Config{
		Endpoints:         endpoints,
		Timeout:           DefaultTimeout,
		MaxFailures:       DefaultMaxFailures,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		Commitment:        DefaultCommitment,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid rpc config: timeout must be positive")
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("invalid rpc config: max failures must be positive")
	}
	return nil
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaults.MaxFailures
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = defaults.HealthCheckPeriod
	}
	if c.Commitment == "" {
		c.Commitment = defaults.Commitment
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Client handles JSON-RPC requests to Solana-compatible endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pool       *pool
	log        *slog.Logger
	nextID     atomic.Uint64

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a client. Health probing starts with Start; requests work
// without it.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := newPool(cfg.Endpoints, cfg.MaxFailures)
	p.onHealthChange = func(url string, healthy bool) {
		cfg.Log.Info("rpc endpoint health changed", "endpoint", url, "healthy", healthy)
		if cfg.OnHealthChange != nil {
			cfg.OnHealthChange(url, healthy)
		}
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		pool: p,
		log:  cfg.Log.With("component", "rpcclient"),
	}, nil
}

// Start begins periodic health probing of unhealthy endpoints.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.healthCheckLoop()
	return nil
}

// Close stops health probing. Subsequent requests fail with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.performHealthCheck(c.ctx)
		}
	}
}

// performHealthCheck probes every unhealthy endpoint with getHealth.
func (c *Client) performHealthCheck(ctx context.Context) {
	for _, ep := range c.pool.endpoints {
		if ep.healthy.Load() {
			continue
		}
		start := time.Now()
		if err := c.do(ctx, ep.url, "getHealth", nil, nil); err != nil {
			c.log.Debug("endpoint still unhealthy", "endpoint", ep.url, "err", err)
			continue
		}
		c.pool.markHealthy(ep, time.Since(start))
	}
}

// Endpoints returns the health of every configured endpoint.
func (c *Client) Endpoints() []EndpointStatus {
	return c.pool.status()
}

// HealthyCount returns the number of healthy endpoints.
func (c *Client) HealthyCount() int {
	return c.pool.healthyCount()
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// transportError marks failures that count against endpoint health.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// call makes a JSON-RPC call, failing over to the next endpoint on
// transport errors.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var lastErr error
	for _, ep := range c.pool.order() {
		start := time.Now()
		err := c.do(ctx, ep.url, method, params, result)
		if err == nil {
			c.pool.markHealthy(ep, time.Since(start))
			return nil
		}

		var te *transportError
		if !errors.As(err, &te) {
			// The endpoint answered; its answer is the result.
			c.pool.markHealthy(ep, time.Since(start))
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, ctx.Err())
		}
		c.pool.markUnhealthy(ep)
		c.log.Debug("rpc request failed", "endpoint", ep.url, "method", method, "err", err)
		lastErr = err
	}

	if lastErr == nil {
		return ErrNoEndpoints
	}
	return fmt.Errorf("%s: %w", method, lastErr)
}

// do performs one request against one endpoint.
func (c *Client) do(ctx context.Context, url, method string, params []interface{}, result interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &transportError{fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &transportError{fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &transportError{fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return &transportError{fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// GetSlot fetches the current slot at the configured commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	params := []interface{}{
		map[string]interface{}{
			"commitment": c.cfg.Commitment,
		},
	}

	var slot uint64
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetSlotLeaders returns the leaders of slots [start, start+limit).
func (c *Client) GetSlotLeaders(ctx context.Context, start, limit uint64) ([]types.Pubkey, error) {
	var raw []string
	if err := c.call(ctx, "getSlotLeaders", []interface{}{start, limit}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("getSlotLeaders: %w", ErrEmptyResult)
	}

	leaders := make([]types.Pubkey, len(raw))
	for i, s := range raw {
		pk, err := types.PubkeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("parse leader %d: %w", i, err)
		}
		leaders[i] = pk
	}
	return leaders, nil
}

// clusterNode represents a node in the getClusterNodes response.
type clusterNode struct {
	Pubkey       string  `json:"pubkey"`
	Gossip       *string `json:"gossip"`
	TPU          *string `json:"tpu"`
	TPUQUIC      *string `json:"tpuQuic"`
	RPC          *string `json:"rpc"`
	Version      *string `json:"version"`
	FeatureSet   *uint32 `json:"featureSet"`
	ShredVersion *uint16 `json:"shredVersion"`
}

// GetClusterNodes returns the contact information of all cluster nodes.
// Nodes without a parseable identity are skipped.
func (c *Client) GetClusterNodes(ctx context.Context) ([]schedule.Contact, error) {
	var nodes []clusterNode
	if err := c.call(ctx, "getClusterNodes", nil, &nodes); err != nil {
		return nil, err
	}

	contacts := make([]schedule.Contact, 0, len(nodes))
	for _, n := range nodes {
		id, err := types.PubkeyFromBase58(n.Pubkey)
		if err != nil {
			continue
		}
		contacts = append(contacts, contactFromNode(id, n))
	}
	return contacts, nil
}

func contactFromNode(id types.Pubkey, n clusterNode) schedule.Contact {
	c := schedule.Contact{Identity: id}
	if n.TPU != nil {
		c.TPU = *n.TPU
	}
	if n.Version != nil {
		c.Version = *n.Version
	}
	switch {
	case n.TPUQUIC != nil:
		c.TPUQUIC = *n.TPUQUIC
	case c.TPU != "":
		c.TPUQUIC = offsetPort(c.TPU, quicPortOffset)
	}
	return c
}

// offsetPort returns addr with its port increased by delta, or "" if addr
// cannot be parsed.
func offsetPort(addr string, delta int) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port+delta > 65535 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port+delta))
}

// EpochInfo is the result of getEpochInfo.
type EpochInfo struct {
	AbsoluteSlot     uint64  `json:"absoluteSlot"`
	BlockHeight      uint64  `json:"blockHeight"`
	Epoch            uint64  `json:"epoch"`
	SlotIndex        uint64  `json:"slotIndex"`
	SlotsInEpoch     uint64  `json:"slotsInEpoch"`
	TransactionCount *uint64 `json:"transactionCount"`
}

// FirstSlot returns the first slot of the epoch.
func (e *EpochInfo) FirstSlot() uint64 {
	return e.AbsoluteSlot - e.SlotIndex
}

// LastSlot returns the last slot of the epoch.
func (e *EpochInfo) LastSlot() uint64 {
	return e.FirstSlot() + e.SlotsInEpoch - 1
}

// GetEpochInfo fetches information about the current epoch.
func (c *Client) GetEpochInfo(ctx context.Context) (*EpochInfo, error) {
	var info *EpochInfo
	if err := c.call(ctx, "getEpochInfo", nil, &info); err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("getEpochInfo: %w", ErrEmptyResult)
	}
	return info, nil
}

// Blockhash is the result of getLatestBlockhash.
type Blockhash struct {
	Blockhash            types.Hash
	LastValidBlockHeight uint64
	ContextSlot          uint64
}

// GetLatestBlockhash fetches a recent blockhash for transaction building.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	params := []interface{}{
		map[string]interface{}{
			"commitment": "finalized",
		},
	}

	var resp struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value *struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", params, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("getLatestBlockhash: %w", ErrEmptyResult)
	}

	hash, err := types.HashFromBase58(resp.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("parse blockhash: %w", err)
	}
	return &Blockhash{
		Blockhash:            hash,
		LastValidBlockHeight: resp.Value.LastValidBlockHeight,
		ContextSlot:          resp.Context.Slot,
	}, nil
}

// GetHealth returns nil when the node reports itself healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("getHealth: unexpected status %q", status)
	}
	return nil
}

// GetVersion returns the node's solana-core version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var v struct {
		SolanaCore string `json:"solana-core"`
	}
	if err := c.call(ctx, "getVersion", nil, &v); err != nil {
		return "", err
	}
	return v.SolanaCore, nil
}
