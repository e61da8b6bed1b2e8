// Package schedule tracks which validator leads each slot and where its TPU
// listens.
//
// The Tracker periodically fetches a schedule Snapshot from a Source and
// publishes it through an atomic pointer. Readers call CurrentLeaders without
// locking and always see a complete snapshot. When a refresh fails the last
// good snapshot keeps being served; once no refresh has succeeded for
// StaleAfter the tracker reports a StaleError exactly once per episode.
//
// Usage:
//
//	tracker, err := schedule.NewTracker(source, cache, schedule.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := tracker.Start(ctx); err != nil {
//	    return err
//	}
//	defer tracker.Stop()
//
//	leaders, err := tracker.CurrentLeaders(4)
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Sender/internal/types"
)

// Tracker maintains the published leader schedule.
type Tracker struct {
	cfg    Config
	source Source
	cache  Cache
	log    *slog.Logger

	snap     atomic.Pointer[Snapshot]
	observed atomic.Uint64

	// Refresh bookkeeping
	created     time.Time
	lastSuccess atomic.Int64 // Unix nano
	stale       atomic.Bool
	refreshes   atomic.Uint64
	failures    atomic.Uint64
	errMu       sync.Mutex
	lastErr     error

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	now func() time.Time
}

// NewTracker creates a tracker. cache may be nil.
func NewTracker(source Source, cache Cache, cfg Config) (*Tracker, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Tracker{
		cfg:     cfg,
		source:  source,
		cache:   cache,
		log:     cfg.Log.With("component", "schedule"),
		created: time.Now(),
		now:     time.Now,
	}, nil
}

// Start loads the cached schedule if nothing is published, performs one
// synchronous refresh, and starts the background refresh loop.
//
// A failed initial refresh is logged and does not fail Start; the tracker
// serves whatever the cache provided.
func (t *Tracker) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	if t.snap.Load() == nil && t.cache != nil {
		t.loadCache()
	}

	if err := t.Refresh(t.ctx); err != nil {
		t.log.Warn("initial schedule refresh failed", "err", err)
	}

	t.wg.Add(1)
	go t.refreshLoop()

	return nil
}

// Stop stops the refresh loop and waits for it to exit.
func (t *Tracker) Stop() {
	if !t.started.Load() {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) loadCache() {
	snap, err := t.cache.LoadSchedule()
	if err != nil {
		t.log.Warn("load cached schedule", "err", err)
		return
	}
	if snap == nil {
		return
	}
	if err := snap.Validate(); err != nil {
		t.log.Warn("discarding cached schedule", "err", err)
		return
	}

	// The cached snapshot is served but does not count as a successful
	// refresh, so staleness is measured from start-up.
	t.snap.Store(snap)
	t.log.Info("loaded cached schedule",
		"slot", snap.Slot, "first_slot", snap.FirstSlot, "last_slot", snap.LastSlot())
}

func (t *Tracker) refreshLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(t.ctx); err != nil && t.ctx.Err() == nil {
				t.log.Debug("schedule refresh failed", "err", err)
			}
		}
	}
}

// Refresh fetches and publishes one snapshot. On failure the previous
// snapshot stays published and the staleness check runs.
func (t *Tracker) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	defer cancel()

	snap, err := t.source.FetchSchedule(fetchCtx)
	if err == nil {
		err = t.publish(snap)
	}
	if err != nil {
		t.failures.Add(1)
		t.setLastErr(err)
		t.checkStale()
		return fmt.Errorf("refresh schedule: %w", err)
	}

	t.refreshes.Add(1)
	t.lastSuccess.Store(t.now().UnixNano())
	t.setLastErr(nil)
	if t.stale.Swap(false) {
		t.log.Info("schedule refreshed after stale period", "slot", snap.Slot)
	}

	if t.cache != nil {
		if err := t.cache.SaveSchedule(snap); err != nil {
			t.log.Warn("save schedule", "err", err)
		}
	}
	if t.cfg.OnRefresh != nil {
		t.cfg.OnRefresh(snap)
	}
	return nil
}

func (t *Tracker) publish(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil", ErrInvalidSnapshot)
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	if prev := t.snap.Load(); prev != nil && snap.Slot < prev.Slot {
		return fmt.Errorf("%w: slot %d < published %d", ErrRegressed, snap.Slot, prev.Slot)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = t.now()
	}

	t.snap.Store(snap)
	t.ObserveSlot(snap.Slot)
	return nil
}

func (t *Tracker) checkStale() {
	since := t.created
	if ns := t.lastSuccess.Load(); ns != 0 {
		since = time.Unix(0, ns)
	}

	age := t.now().Sub(since)
	if age <= t.cfg.StaleAfter {
		return
	}
	if !t.stale.CompareAndSwap(false, true) {
		return
	}

	staleErr := &StaleError{Age: age, LastErr: t.LastError()}
	t.log.Warn("serving stale leader schedule", "age", age, "err", staleErr.LastErr)
	if t.cfg.OnStale != nil {
		t.cfg.OnStale(staleErr)
	}
}

func (t *Tracker) setLastErr(err error) {
	t.errMu.Lock()
	t.lastErr = err
	t.errMu.Unlock()
}

// LastError returns the error of the most recent refresh, or nil if it
// succeeded.
func (t *Tracker) LastError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

// ObserveSlot records a slot seen on a live feed. The tracker's notion of the
// current slot never moves backwards.
func (t *Tracker) ObserveSlot(slot uint64) {
	for {
		cur := t.observed.Load()
		if slot <= cur {
			return
		}
		if t.observed.CompareAndSwap(cur, slot) {
			return
		}
	}
}

// Snapshot returns the published snapshot, or nil.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Stale reports whether the tracker is in a stale episode.
func (t *Tracker) Stale() bool {
	return t.stale.Load()
}

// CurrentSlot returns the best estimate of the cluster's current slot: the
// larger of the last observed slot and the snapshot slot extrapolated by
// elapsed time.
func (t *Tracker) CurrentSlot() (uint64, error) {
	snap := t.snap.Load()
	if snap == nil {
		return 0, ErrNoSchedule
	}
	return t.currentSlot(snap), nil
}

func (t *Tracker) currentSlot(snap *Snapshot) uint64 {
	slot := snap.Slot
	if elapsed := t.now().Sub(snap.FetchedAt); elapsed > 0 {
		slot += uint64(elapsed / t.cfg.SlotDuration)
	}
	if observed := t.observed.Load(); observed > slot {
		slot = observed
	}
	return slot
}

// CurrentLeaders returns the leader of the current slot followed by the next
// count-1 distinct upcoming leaders, ascending by slot. Leaders that
// advertise no address for the configured protocol are skipped. Fewer than
// count entries are returned when the snapshot runs out.
func (t *Tracker) CurrentLeaders(count int) ([]LeaderSlotEntry, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}

	snap := t.snap.Load()
	if snap == nil {
		return nil, ErrNoSchedule
	}

	current := t.currentSlot(snap)
	if current < snap.FirstSlot {
		current = snap.FirstSlot
	}

	entries := make([]LeaderSlotEntry, 0, count)
	seen := make(map[types.Pubkey]struct{}, count)

	for slot := current; slot <= snap.LastSlot() && len(entries) < count; slot++ {
		leader := snap.Leaders[slot-snap.FirstSlot]
		if _, ok := seen[leader]; ok {
			continue
		}
		seen[leader] = struct{}{}

		addr := snap.Contacts[leader].Addr(t.cfg.Protocol)
		if addr == "" {
			continue
		}
		entries = append(entries, LeaderSlotEntry{
			Slot:   slot,
			Leader: leader,
			Addr:   addr,
		})
	}

	return entries, nil
}

// Status returns a summary for status endpoints.
func (t *Tracker) Status() Status {
	s := Status{
		ObservedSlot: t.observed.Load(),
		Stale:        t.stale.Load(),
		Refreshes:    t.refreshes.Load(),
		Failures:     t.failures.Load(),
	}
	if ns := t.lastSuccess.Load(); ns != 0 {
		s.LastRefresh = time.Unix(0, ns)
	}
	if err := t.LastError(); err != nil {
		s.LastError = err.Error()
	}
	if snap := t.snap.Load(); snap != nil {
		s.Slot = t.currentSlot(snap)
		s.FirstSlot = snap.FirstSlot
		s.LastSlot = snap.LastSlot()
		s.FetchedAt = snap.FetchedAt
	}
	return s
}
