// Package directory caches validator contact information (identity to TPU
// addresses) learned from getClusterNodes.
//
// The schedule source consults the directory when getClusterNodes fails, so a
// control-plane hiccup does not leave the broadcaster without addresses for
// leaders it already knows. Entries expire after a TTL so addresses of
// validators that left the cluster are eventually dropped.
package directory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

var (
	// ErrClosed is returned when operating on a closed directory.
	ErrClosed = errors.New("directory closed")

	// ErrNotFound is returned when no contact is stored for an identity.
	ErrNotFound = errors.New("contact not found")

	// ErrCorrupt is returned when a stored contact cannot be decoded.
	ErrCorrupt = errors.New("corrupt contact record")
)

// Key format: prefixContact + identity (32 bytes).
var prefixContact = []byte{0x01}

// DefaultTTL is how long a contact stays valid without being refreshed.
const DefaultTTL = 30 * time.Minute

// Config contains configuration for the directory.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// TTL is the lifetime of each stored contact.
	TTL time.Duration

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Log receives badger's internal logs at debug level. Defaults to
	// slog.Default().
	Log *slog.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		TTL:  DefaultTTL,
	}
}

// Directory is a badger-backed contact cache.
type Directory struct {
	db     *badger.DB
	ttl    time.Duration
	closed atomic.Bool
}

// Open opens or creates a directory.
func Open(cfg Config) (*Directory, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(2).
		WithLogger(&badgerLogger{log: cfg.Log.With("component", "directory")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Directory{db: db, ttl: cfg.TTL}, nil
}

func contactKey(id types.Pubkey) []byte {
	key := make([]byte, 0, len(prefixContact)+types.PubkeySize)
	key = append(key, prefixContact...)
	return append(key, id[:]...)
}

// PutContacts stores contacts, resetting their TTL.
func (d *Directory) PutContacts(contacts []schedule.Contact) error {
	if d.closed.Load() {
		return ErrClosed
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for _, c := range contacts {
		if c.Identity.IsZero() {
			continue
		}
		e := badger.NewEntry(contactKey(c.Identity), encodeContact(c)).WithTTL(d.ttl)
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("put contact %s: %w", c.Identity, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush contacts: %w", err)
	}
	return nil
}

// Get returns the contact stored for id.
func (d *Directory) Get(id types.Pubkey) (schedule.Contact, error) {
	if d.closed.Load() {
		return schedule.Contact{}, ErrClosed
	}

	var c schedule.Contact
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contactKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			c, err = decodeContact(id, val)
			return err
		})
	})
	return c, err
}

// Lookup returns the stored contacts for ids, skipping unknown identities.
func (d *Directory) Lookup(ids []types.Pubkey) (map[types.Pubkey]schedule.Contact, error) {
	out := make(map[types.Pubkey]schedule.Contact, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		c, err := d.Get(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}

// All returns every unexpired contact.
func (d *Directory) All() ([]schedule.Contact, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	var out []schedule.Contact
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixContact
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefixContact)+types.PubkeySize {
				continue
			}
			var id types.Pubkey
			copy(id[:], key[len(prefixContact):])

			err := item.Value(func(val []byte) error {
				c, err := decodeContact(id, val)
				if err != nil {
					return err
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (d *Directory) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}

// encodeContact serializes the address fields as length-prefixed strings.
func encodeContact(c schedule.Contact) []byte {
	fields := []string{c.TPU, c.TPUQUIC, c.Version}
	size := 0
	for _, f := range fields {
		size += 2 + len(f)
	}

	buf := make([]byte, 0, size)
	for _, f := range fields {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

func decodeContact(id types.Pubkey, b []byte) (schedule.Contact, error) {
	var fields [3]string
	for i := range fields {
		if len(b) < 2 {
			return schedule.Contact{}, ErrCorrupt
		}
		n := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return schedule.Contact{}, ErrCorrupt
		}
		fields[i] = string(b[:n])
		b = b[n:]
	}
	return schedule.Contact{
		Identity: id,
		TPU:      fields[0],
		TPUQUIC:  fields[1],
		Version:  fields[2],
	}, nil
}

// badgerLogger routes badger's printf-style logs to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
