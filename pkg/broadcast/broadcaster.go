// Package broadcast fans a signed transaction out to the current and next
// few block producers.
//
// Every call is at-most-once: each destination gets exactly one send
// attempt, all attempts run concurrently, and the call completes when all
// of them have finished or the deadline passes. Destinations still pending
// at the deadline are reported as timeouts and their attempts are
// cancelled.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Sender/pkg/connpool"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// Default configuration values.
const (
	DefaultFanOut   = 4
	MaxFanOut       = 16
	DefaultDeadline = 2 * time.Second
)

// LeaderSource yields the destinations of a broadcast.
type LeaderSource interface {
	CurrentLeaders(count int) ([]schedule.LeaderSlotEntry, error)
}

// Pool provides connections to destinations and receives health feedback.
type Pool interface {
	GetOrCreate(ctx context.Context, addr string) (*connpool.PooledConnection, error)
	MarkHealthy(*connpool.PooledConnection)
	MarkDegraded(*connpool.PooledConnection)
	MarkUnhealthy(*connpool.PooledConnection)
}

// Config configures a Broadcaster.
type Config struct {
	// FanOut is the number of distinct leaders contacted per call (1..16).
	FanOut int

	// Deadline is used when a call passes a zero deadline.
	Deadline time.Duration

	// OnResult is called with every completed result. It runs on the
	// collecting goroutine and should not block.
	OnResult func(SubmissionResult)

	Log *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FanOut:   DefaultFanOut,
		Deadline: DefaultDeadline,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.FanOut < 1 || c.FanOut > MaxFanOut {
		return fmt.Errorf("%w: fan-out %d outside 1..%d", ErrInvalidConfig, c.FanOut, MaxFanOut)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("%w: deadline must be positive", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.FanOut == 0 {
		c.FanOut = DefaultFanOut
	}
	if c.Deadline == 0 {
		c.Deadline = DefaultDeadline
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Stats counts broadcast activity since creation.
type Stats struct {
	Broadcasts  uint64 `json:"broadcasts"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	NoLeaders   uint64 `json:"noLeaders"`
	DestSuccess uint64 `json:"destinationSuccess"`
	DestFailure uint64 `json:"destinationFailure"`
	DestTimeout uint64 `json:"destinationTimeout"`
}

// Broadcaster sends transactions to upcoming leaders.
type Broadcaster struct {
	leaders LeaderSource
	pool    Pool
	cfg     Config
	log     *slog.Logger

	broadcasts  atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	noLeaders   atomic.Uint64
	destSuccess atomic.Uint64
	destFailure atomic.Uint64
	destTimeout atomic.Uint64
}

// New creates a Broadcaster.
func New(leaders LeaderSource, pool Pool, cfg Config) (*Broadcaster, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broadcaster{
		leaders: leaders,
		pool:    pool,
		cfg:     cfg,
		log:     cfg.Log.With("component", "broadcast"),
	}, nil
}

type indexedResult struct {
	i   int
	res DestinationResult
}

// BroadcastAsync starts a broadcast and returns a channel that receives
// exactly one result and is then closed. A zero deadline uses
// Config.Deadline.
func (b *Broadcaster) BroadcastAsync(ctx context.Context, tx *wire.Transaction, deadline time.Duration) <-chan SubmissionResult {
	out := make(chan SubmissionResult, 1)
	if deadline <= 0 {
		deadline = b.cfg.Deadline
	}
	b.broadcasts.Add(1)

	leaders, err := b.leaders.CurrentLeaders(b.cfg.FanOut)
	if err != nil || len(leaders) == 0 {
		b.noLeaders.Add(1)
		b.failed.Add(1)
		res := SubmissionResult{Signature: tx.Signature(), Err: ErrNoLeaders}
		if err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrNoLeaders, err)
		}
		b.log.Warn("broadcast without destinations", "signature", tx.Signature(), "err", res.Err)
		b.finish(res)
		out <- res
		close(out)
		return out
	}

	go b.run(ctx, tx, leaders, deadline, out)
	return out
}

// Broadcast sends tx and waits for the result. The returned error is nil
// iff at least one destination accepted the transaction.
func (b *Broadcaster) Broadcast(ctx context.Context, tx *wire.Transaction, deadline time.Duration) (SubmissionResult, error) {
	res := <-b.BroadcastAsync(ctx, tx, deadline)
	return res, res.Err
}

func (b *Broadcaster) run(ctx context.Context, tx *wire.Transaction, leaders []schedule.LeaderSlotEntry, deadline time.Duration, out chan<- SubmissionResult) {
	defer close(out)

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	results := make([]DestinationResult, len(leaders))
	resolved := make([]bool, len(leaders))
	for i, l := range leaders {
		results[i] = DestinationResult{Leader: l.Leader, Slot: l.Slot, Addr: l.Addr}
	}

	// Buffered so late attempts never block after the collector stops.
	done := make(chan indexedResult, len(leaders))
	for i, l := range leaders {
		go func(i int, l schedule.LeaderSlotEntry) {
			done <- indexedResult{i: i, res: b.send(ctx, tx, l, start)}
		}(i, l)
	}

	pending := len(leaders)
collect:
	for pending > 0 {
		select {
		case r := <-done:
			results[r.i], resolved[r.i] = r.res, true
			pending--
		case <-ctx.Done():
			// Take whatever already arrived, then give up on the rest.
			for pending > 0 {
				select {
				case r := <-done:
					results[r.i], resolved[r.i] = r.res, true
					pending--
				default:
					break collect
				}
			}
		}
	}

	for i := range results {
		if !resolved[i] {
			results[i].Outcome = OutcomeTimeout
			results[i].Err = timeoutCause(ctx)
			results[i].Latency = time.Since(start)
		}
	}

	res := Aggregate(results)
	res.Signature = tx.Signature()
	b.finish(res)

	success, failure, timeout := res.Counts()
	b.log.Debug("broadcast complete",
		"signature", res.Signature,
		"success", res.Success,
		"accepted", success,
		"failed", failure,
		"timeout", timeout,
		"took", time.Since(start),
	)
	out <- res
}

// send performs one attempt to one destination.
func (b *Broadcaster) send(ctx context.Context, tx *wire.Transaction, l schedule.LeaderSlotEntry, start time.Time) DestinationResult {
	r := DestinationResult{Leader: l.Leader, Slot: l.Slot, Addr: l.Addr}

	conn, err := b.pool.GetOrCreate(ctx, l.Addr)
	if err != nil {
		r.Latency = time.Since(start)
		if !connpool.IsConnectError(err) && ctx.Err() != nil {
			r.Outcome, r.Err = OutcomeTimeout, timeoutCause(ctx)
		} else {
			r.Outcome, r.Err = OutcomeFailure, err
		}
		return r
	}

	err = conn.Send(ctx, tx.Bytes())
	r.Latency = time.Since(start)
	switch {
	case err == nil:
		r.Outcome = OutcomeSuccess
		b.pool.MarkHealthy(conn)
	case ctx.Err() != nil:
		r.Outcome, r.Err = OutcomeTimeout, timeoutCause(ctx)
		b.pool.MarkDegraded(conn)
	default:
		r.Outcome, r.Err = OutcomeFailure, fmt.Errorf("send: %w", err)
		b.pool.MarkUnhealthy(conn)
	}
	return r
}

// timeoutCause is ErrSendTimeout for an expired deadline and the context's
// error when the caller cancelled.
func timeoutCause(ctx context.Context) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrSendTimeout
}

func (b *Broadcaster) finish(res SubmissionResult) {
	if res.Success {
		b.succeeded.Add(1)
	} else if len(res.Destinations) > 0 {
		b.failed.Add(1)
	}
	success, failure, timeout := res.Counts()
	b.destSuccess.Add(uint64(success))
	b.destFailure.Add(uint64(failure))
	b.destTimeout.Add(uint64(timeout))

	if b.cfg.OnResult != nil {
		b.cfg.OnResult(res)
	}
}

// Stats returns broadcast counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Broadcasts:  b.broadcasts.Load(),
		Succeeded:   b.succeeded.Load(),
		Failed:      b.failed.Load(),
		NoLeaders:   b.noLeaders.Load(),
		DestSuccess: b.destSuccess.Load(),
		DestFailure: b.destFailure.Load(),
		DestTimeout: b.destTimeout.Load(),
	}
}

// FanOut returns the configured number of destinations per call.
func (b *Broadcaster) FanOut() int { return b.cfg.FanOut }
