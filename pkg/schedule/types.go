package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fortiblox/X1-Sender/internal/types"
)

// Protocol selects which TPU address of a validator is used.
type Protocol int

const (
	// ProtocolQUIC sends over the validator's tpuQuic port.
	ProtocolQUIC Protocol = iota

	// ProtocolUDP sends raw datagrams to the validator's tpu port.
	ProtocolUDP
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolQUIC:
		return "quic"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// ParseProtocol parses "quic" or "udp".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quic", "":
		return ProtocolQUIC, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// Contact holds the network addresses a validator advertises.
type Contact struct {
	Identity types.Pubkey
	TPU      string
	TPUQUIC  string
	Version  string
}

// Addr returns the address for protocol p, or "" if the validator does not
// advertise one.
func (c Contact) Addr(p Protocol) string {
	if p == ProtocolUDP {
		return c.TPU
	}
	return c.TPUQUIC
}

// Snapshot is one published view of the leader schedule.
//
// A Snapshot is never modified after it is handed to the Tracker.
type Snapshot struct {
	// Slot is the cluster's current slot at the time of the fetch.
	Slot uint64

	// FirstSlot is the slot led by Leaders[0].
	FirstSlot uint64

	// Leaders[i] leads slot FirstSlot+i.
	Leaders []types.Pubkey

	// Contacts maps leader identity to its advertised addresses.
	Contacts map[types.Pubkey]Contact

	// FetchedAt is when Slot was observed.
	FetchedAt time.Time
}

// LastSlot returns the last slot covered by the snapshot.
func (s *Snapshot) LastSlot() uint64 {
	if len(s.Leaders) == 0 {
		return s.FirstSlot
	}
	return s.FirstSlot + uint64(len(s.Leaders)) - 1
}

// LeaderAt returns the leader of slot, if the snapshot covers it.
func (s *Snapshot) LeaderAt(slot uint64) (types.Pubkey, bool) {
	if slot < s.FirstSlot || slot > s.LastSlot() || len(s.Leaders) == 0 {
		return types.Pubkey{}, false
	}
	return s.Leaders[slot-s.FirstSlot], true
}

// Validate checks the snapshot's internal consistency.
func (s *Snapshot) Validate() error {
	if len(s.Leaders) == 0 {
		return fmt.Errorf("%w: no leaders", ErrInvalidSnapshot)
	}
	if s.Slot < s.FirstSlot {
		return fmt.Errorf("%w: slot %d before first slot %d", ErrInvalidSnapshot, s.Slot, s.FirstSlot)
	}
	return nil
}

// LeaderSlotEntry is one destination returned by CurrentLeaders.
type LeaderSlotEntry struct {
	// Slot is the first upcoming slot (at or after the current slot) led by
	// Leader.
	Slot   uint64
	Leader types.Pubkey
	Addr   string
}

// Source fetches a fresh schedule from the control plane.
type Source interface {
	FetchSchedule(ctx context.Context) (*Snapshot, error)
}

// Cache persists the last known-good schedule across restarts.
//
// LoadSchedule returns (nil, nil) when nothing has been saved.
type Cache interface {
	LoadSchedule() (*Snapshot, error)
	SaveSchedule(*Snapshot) error
}

// Status is a point-in-time summary of the tracker for status endpoints.
type Status struct {
	Slot         uint64    `json:"slot"`
	ObservedSlot uint64    `json:"observedSlot"`
	FirstSlot    uint64    `json:"firstSlot"`
	LastSlot     uint64    `json:"lastSlot"`
	FetchedAt    time.Time `json:"fetchedAt"`
	LastRefresh  time.Time `json:"lastRefresh"`
	Stale        bool      `json:"stale"`
	Refreshes    uint64    `json:"refreshes"`
	Failures     uint64    `json:"failures"`
	LastError    string    `json:"lastError,omitempty"`
}
