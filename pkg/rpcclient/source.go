package rpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

// Default ScheduleSource settings.
const (
	// DefaultLookahead is the number of slots fetched per refresh. At 400ms
	// slots this covers about 50 seconds.
	DefaultLookahead = 128

	// DefaultContactsInterval is how often getClusterNodes is re-queried.
	// Cluster membership changes slowly and the response is large.
	DefaultContactsInterval = time.Minute
)

// ContactDirectory persists contacts between refreshes and restarts.
type ContactDirectory interface {
	PutContacts([]schedule.Contact) error
	Lookup(ids []types.Pubkey) (map[types.Pubkey]schedule.Contact, error)
}

// SourceConfig configures a ScheduleSource.
type SourceConfig struct {
	// Lookahead is the number of slots requested from getSlotLeaders.
	Lookahead uint64

	// ContactsInterval is the minimum time between getClusterNodes calls.
	ContactsInterval time.Duration

	// Directory is an optional persistent contact cache used when
	// getClusterNodes fails.
	Directory ContactDirectory

	Log *slog.Logger
}

// ScheduleSource implements schedule.Source on top of a Client.
type ScheduleSource struct {
	client *Client
	cfg    SourceConfig
	log    *slog.Logger

	mu         sync.Mutex
	contacts   map[types.Pubkey]schedule.Contact
	contactsAt time.Time
}

var _ schedule.Source = (*ScheduleSource)(nil)

// NewScheduleSource creates a schedule source backed by client.
func NewScheduleSource(client *Client, cfg SourceConfig) *ScheduleSource {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.ContactsInterval == 0 {
		cfg.ContactsInterval = DefaultContactsInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &ScheduleSource{
		client: client,
		cfg:    cfg,
		log:    cfg.Log.With("component", "schedule-source"),
	}
}

// FetchSchedule fetches the current slot, the leaders of the next
// Lookahead slots, and their contacts.
func (s *ScheduleSource) FetchSchedule(ctx context.Context) (*schedule.Snapshot, error) {
	slot, err := s.client.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	fetchedAt := time.Now()

	leaders, err := s.client.GetSlotLeaders(ctx, slot, s.cfg.Lookahead)
	if err != nil {
		return nil, fmt.Errorf("get slot leaders: %w", err)
	}

	contacts, err := s.leaderContacts(ctx, leaders)
	if err != nil {
		return nil, err
	}

	return &schedule.Snapshot{
		Slot:      slot,
		FirstSlot: slot,
		Leaders:   leaders,
		Contacts:  contacts,
		FetchedAt: fetchedAt,
	}, nil
}

// leaderContacts returns contacts for the given leaders, refreshing the
// cluster node list when it is older than ContactsInterval.
func (s *ScheduleSource) leaderContacts(ctx context.Context, leaders []types.Pubkey) (map[types.Pubkey]schedule.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contacts == nil || time.Since(s.contactsAt) >= s.cfg.ContactsInterval {
		if err := s.refreshContacts(ctx); err != nil {
			if s.contacts == nil {
				return s.directoryContacts(leaders, err)
			}
			s.log.Warn("getClusterNodes failed, using previous contacts", "err", err)
		}
	}

	out := make(map[types.Pubkey]schedule.Contact, len(leaders))
	var missing []types.Pubkey
	for _, id := range leaders {
		if _, ok := out[id]; ok {
			continue
		}
		if c, ok := s.contacts[id]; ok {
			out[id] = c
		} else {
			missing = append(missing, id)
		}
	}

	// Leaders that joined since the last node list may be in the directory.
	if len(missing) > 0 && s.cfg.Directory != nil {
		found, err := s.cfg.Directory.Lookup(missing)
		if err != nil {
			s.log.Debug("directory lookup failed", "err", err)
		}
		for id, c := range found {
			out[id] = c
		}
	}
	return out, nil
}

// refreshContacts must be called with s.mu held.
func (s *ScheduleSource) refreshContacts(ctx context.Context) error {
	nodes, err := s.client.GetClusterNodes(ctx)
	if err != nil {
		return fmt.Errorf("get cluster nodes: %w", err)
	}

	contacts := make(map[types.Pubkey]schedule.Contact, len(nodes))
	for _, c := range nodes {
		contacts[c.Identity] = c
	}
	s.contacts = contacts
	s.contactsAt = time.Now()

	if s.cfg.Directory != nil {
		if err := s.cfg.Directory.PutContacts(nodes); err != nil {
			s.log.Warn("persist contacts", "err", err)
		}
	}
	s.log.Debug("refreshed cluster nodes", "nodes", len(nodes))
	return nil
}

// directoryContacts serves contacts from the directory when no node list
// has ever been fetched.
func (s *ScheduleSource) directoryContacts(leaders []types.Pubkey, cause error) (map[types.Pubkey]schedule.Contact, error) {
	if s.cfg.Directory == nil {
		return nil, cause
	}

	contacts, err := s.cfg.Directory.Lookup(leaders)
	if err != nil {
		return nil, fmt.Errorf("%w (directory: %v)", cause, err)
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w (directory has no leader contacts)", cause)
	}
	s.log.Warn("getClusterNodes failed, using directory contacts", "err", cause, "contacts", len(contacts))
	return contacts, nil
}
