package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Sender/internal/types"
)

func pubkey(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

var (
	leaderA = pubkey(0xA)
	leaderB = pubkey(0xB)
	leaderC = pubkey(0xC)
	leaderD = pubkey(0xD)
)

func contacts(ps ...types.Pubkey) map[types.Pubkey]Contact {
	m := make(map[types.Pubkey]Contact, len(ps))
	for _, p := range ps {
		m[p] = Contact{
			Identity: p,
			TPU:      "10.0.0." + p.String()[:1] + ":8003",
			TPUQUIC:  "10.0.0." + p.String()[:1] + ":8009",
		}
	}
	return m
}

// fakeSource serves a programmable snapshot or error.
type fakeSource struct {
	mu    sync.Mutex
	snap  *Snapshot
	err   error
	calls atomic.Int32
}

func (f *fakeSource) set(snap *Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

func (f *fakeSource) FetchSchedule(ctx context.Context) (*Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.snap
	return &cp, nil
}

// memCache is an in-memory Cache.
type memCache struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int
}

func (c *memCache) LoadSchedule() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, nil
}

func (c *memCache) SaveSchedule(s *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = s
	c.saves++
	return nil
}

// fixedClock returns a controllable clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, src Source, cfg Config) (*Tracker, *fixedClock) {
	t.Helper()
	cfg.Log = slogt.New(t)
	tr, err := NewTracker(src, nil, cfg)
	require.NoError(t, err)

	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	tr.now = clock.Now
	tr.created = clock.Now()
	return tr, clock
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"refresh shorter than slot", func(c *Config) { c.RefreshInterval = 100 * time.Millisecond }, true},
		{"zero slot duration", func(c *Config) { c.SlotDuration = 0 }, true},
		{"negative stale", func(c *Config) { c.StaleAfter = -1 }, true},
		{"unknown protocol", func(c *Config) { c.Protocol = Protocol(9) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCurrentLeadersBeforePublish(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeSource{}, DefaultConfig())

	_, err := tr.CurrentLeaders(2)
	assert.ErrorIs(t, err, ErrNoSchedule)

	_, err = tr.CurrentSlot()
	assert.ErrorIs(t, err, ErrNoSchedule)
}

func TestCurrentLeadersCollapsesRuns(t *testing.T) {
	src := &fakeSource{}
	tr, clock := newTestTracker(t, src, DefaultConfig())

	src.set(&Snapshot{
		Slot:      100,
		FirstSlot: 100,
		Leaders:   []types.Pubkey{leaderA, leaderA, leaderA, leaderA, leaderB, leaderB, leaderC, leaderA, leaderD},
		Contacts:  contacts(leaderA, leaderB, leaderC, leaderD),
		FetchedAt: clock.Now(),
	}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	got, err := tr.CurrentLeaders(4)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, []types.Pubkey{leaderA, leaderB, leaderC, leaderD},
		[]types.Pubkey{got[0].Leader, got[1].Leader, got[2].Leader, got[3].Leader})
	assert.Equal(t, []uint64{100, 104, 106, 108},
		[]uint64{got[0].Slot, got[1].Slot, got[2].Slot, got[3].Slot})
	assert.Equal(t, contacts(leaderA)[leaderA].TPUQUIC, got[0].Addr)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Slot, got[i-1].Slot)
	}
}

func TestCurrentLeadersFanOutLimit(t *testing.T) {
	src := &fakeSource{}
	tr, clock := newTestTracker(t, src, DefaultConfig())

	src.set(&Snapshot{
		Slot:      10,
		FirstSlot: 10,
		Leaders:   []types.Pubkey{leaderA, leaderB, leaderC},
		Contacts:  contacts(leaderA, leaderB, leaderC),
		FetchedAt: clock.Now(),
	}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	got, err := tr.CurrentLeaders(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, leaderA, got[0].Leader)
	assert.Equal(t, leaderB, got[1].Leader)

	_, err = tr.CurrentLeaders(0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestCurrentLeadersSkipsMissingAddress(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.Protocol = ProtocolUDP
	tr, clock := newTestTracker(t, src, cfg)

	c := contacts(leaderA, leaderC)
	c[leaderB] = Contact{Identity: leaderB, TPUQUIC: "10.0.0.2:8009"}

	src.set(&Snapshot{
		Slot:      10,
		FirstSlot: 10,
		Leaders:   []types.Pubkey{leaderA, leaderB, leaderC},
		Contacts:  c,
		FetchedAt: clock.Now(),
	}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	got, err := tr.CurrentLeaders(3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, leaderA, got[0].Leader)
	assert.Equal(t, leaderC, got[1].Leader)
	assert.Equal(t, c[leaderA].TPU, got[0].Addr)
}

func TestCurrentSlotExtrapolatesAndObserves(t *testing.T) {
	src := &fakeSource{}
	tr, clock := newTestTracker(t, src, DefaultConfig())

	leaders := make([]types.Pubkey, 40)
	for i := range leaders {
		leaders[i] = pubkey(byte(i / 4))
	}
	all := make([]types.Pubkey, 0, 10)
	for i := 0; i < 10; i++ {
		all = append(all, pubkey(byte(i)))
	}

	src.set(&Snapshot{
		Slot:      1000,
		FirstSlot: 1000,
		Leaders:   leaders,
		Contacts:  contacts(all...),
		FetchedAt: clock.Now(),
	}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	clock.Advance(4 * DefaultSlotDuration)
	slot, err := tr.CurrentSlot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1004), slot)

	got, err := tr.CurrentLeaders(1)
	require.NoError(t, err)
	assert.Equal(t, pubkey(1), got[0].Leader)

	tr.ObserveSlot(1013)
	slot, _ = tr.CurrentSlot()
	assert.Equal(t, uint64(1013), slot)

	got, err = tr.CurrentLeaders(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1013), got[0].Slot)
	assert.Equal(t, pubkey(3), got[0].Leader)
	assert.Equal(t, uint64(1016), got[1].Slot)

	// Observed slots never move backwards.
	tr.ObserveSlot(900)
	slot, _ = tr.CurrentSlot()
	assert.Equal(t, uint64(1013), slot)
}

func TestRefreshRejectsRegression(t *testing.T) {
	src := &fakeSource{}
	tr, clock := newTestTracker(t, src, DefaultConfig())

	src.set(&Snapshot{Slot: 500, FirstSlot: 500, Leaders: []types.Pubkey{leaderA}, Contacts: contacts(leaderA), FetchedAt: clock.Now()}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	src.set(&Snapshot{Slot: 400, FirstSlot: 400, Leaders: []types.Pubkey{leaderB}, Contacts: contacts(leaderB), FetchedAt: clock.Now()}, nil)
	err := tr.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRegressed)
	assert.Equal(t, uint64(500), tr.Snapshot().Slot)
}

func TestRefreshFailureServesPreviousAndSignalsStaleOnce(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.StaleAfter = 10 * time.Second

	var staleCalls atomic.Int32
	var lastStale atomic.Pointer[StaleError]
	cfg.OnStale = func(e *StaleError) {
		staleCalls.Add(1)
		lastStale.Store(e)
	}
	tr, clock := newTestTracker(t, src, cfg)

	good := &Snapshot{
		Slot:      10,
		FirstSlot: 10,
		Leaders:   []types.Pubkey{leaderA, leaderB, leaderC},
		Contacts:  contacts(leaderA, leaderB, leaderC),
		FetchedAt: clock.Now(),
	}
	src.set(good, nil)
	require.NoError(t, tr.Refresh(context.Background()))
	before, err := tr.CurrentLeaders(3)
	require.NoError(t, err)

	fetchErr := errors.New("rpc unavailable")
	src.set(nil, fetchErr)

	// Within the threshold: failure is absorbed, no signal.
	clock.Advance(5 * time.Second)
	require.Error(t, tr.Refresh(context.Background()))
	assert.False(t, tr.Stale())
	assert.Equal(t, int32(0), staleCalls.Load())

	// Past the threshold: exactly one signal no matter how many failures.
	clock.Advance(6 * time.Second)
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, tr.Refresh(context.Background()), fetchErr)
	}
	assert.True(t, tr.Stale())
	assert.Equal(t, int32(1), staleCalls.Load())

	staleErr := lastStale.Load()
	require.NotNil(t, staleErr)
	assert.ErrorIs(t, staleErr, ErrScheduleStale)
	assert.ErrorIs(t, staleErr, fetchErr)
	assert.GreaterOrEqual(t, staleErr.Age, 10*time.Second)

	// The published snapshot is unchanged.
	assert.Equal(t, good.Leaders, tr.Snapshot().Leaders)
	assert.Equal(t, uint64(10), tr.Snapshot().Slot)
	assert.Equal(t, before[0].Addr, tr.Snapshot().Contacts[leaderA].TPUQUIC)

	// Recovery clears the episode; a later outage signals again.
	good2 := *good
	good2.Slot = 40
	good2.FirstSlot = 40
	good2.FetchedAt = clock.Now()
	src.set(&good2, nil)
	require.NoError(t, tr.Refresh(context.Background()))
	assert.False(t, tr.Stale())

	src.set(nil, fetchErr)
	clock.Advance(11 * time.Second)
	require.Error(t, tr.Refresh(context.Background()))
	assert.Equal(t, int32(2), staleCalls.Load())
}

func TestStaleScheduleStillServesLeaders(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.StaleAfter = time.Second
	cfg.SlotDuration = 2 * time.Second
	tr, clock := newTestTracker(t, src, cfg)

	src.set(&Snapshot{
		Slot:      10,
		FirstSlot: 10,
		Leaders:   []types.Pubkey{leaderA, leaderB, leaderC},
		Contacts:  contacts(leaderA, leaderB, leaderC),
		FetchedAt: clock.Now(),
	}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	src.set(nil, errors.New("down"))
	clock.Advance(2 * time.Second)
	_ = tr.Refresh(context.Background())
	require.True(t, tr.Stale())

	// Leaders are still served from the last good snapshot, fail open.
	tr.ObserveSlot(11)
	got, err := tr.CurrentLeaders(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, leaderB, got[0].Leader)

	st := tr.Status()
	assert.True(t, st.Stale)
	assert.Equal(t, uint64(1), st.Refreshes)
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, "down", st.LastError)
}

func TestStartLoadsCacheAndSaves(t *testing.T) {
	cache := &memCache{snap: &Snapshot{
		Slot:      7,
		FirstSlot: 7,
		Leaders:   []types.Pubkey{leaderC},
		Contacts:  contacts(leaderC),
		FetchedAt: time.Now(),
	}}
	src := &fakeSource{}
	src.set(nil, errors.New("offline"))

	cfg := DefaultConfig()
	cfg.Log = slogt.New(t)
	tr, err := NewTracker(src, cache, cfg)
	require.NoError(t, err)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	assert.ErrorIs(t, tr.Start(context.Background()), ErrAlreadyStarted)

	snap := tr.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(7), snap.FirstSlot)

	src.set(&Snapshot{
		Slot:      9,
		FirstSlot: 9,
		Leaders:   []types.Pubkey{leaderA},
		Contacts:  contacts(leaderA),
	}, nil)
	require.NoError(t, tr.Refresh(context.Background()))

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.GreaterOrEqual(t, cache.saves, 1)
	assert.Equal(t, uint64(9), cache.snap.Slot)
	assert.False(t, cache.snap.FetchedAt.IsZero())
}

func TestBackgroundRefresh(t *testing.T) {
	src := &fakeSource{}
	src.set(&Snapshot{Slot: 1, FirstSlot: 1, Leaders: []types.Pubkey{leaderA}, Contacts: contacts(leaderA)}, nil)

	cfg := DefaultConfig()
	cfg.SlotDuration = 5 * time.Millisecond
	cfg.RefreshInterval = 10 * time.Millisecond
	cfg.Log = slogt.New(t)

	var refreshed atomic.Int32
	cfg.OnRefresh = func(*Snapshot) { refreshed.Add(1) }

	tr, err := NewTracker(src, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	require.Eventually(t, func() bool { return refreshed.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	calls := src.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.calls.Load(), "no refresh after Stop")
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("UDP")
	require.NoError(t, err)
	assert.Equal(t, ProtocolUDP, p)

	p, err = ParseProtocol("quic")
	require.NoError(t, err)
	assert.Equal(t, ProtocolQUIC, p)

	_, err = ParseProtocol("tcp")
	assert.Error(t, err)
}
