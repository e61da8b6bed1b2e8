// Package store persists the last known-good leader schedules so a restarted
// sender can broadcast before its first control-plane refresh completes.
//
// Records live in a single bbolt bucket keyed by the big-endian snapshot
// slot. Each value is a gob-encoded record compressed with zstd and prefixed
// with its blake3 checksum; a record that fails the checksum is skipped on
// load.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("schedule store closed")

	// ErrCorrupt is returned when a record fails its checksum or cannot be
	// decoded.
	ErrCorrupt = errors.New("corrupt schedule record")
)

var (
	bucketSchedules = []byte("schedules")
)

const checksumSize = 32

// DefaultRetain is the number of schedules kept after each save.
const DefaultRetain = 8

// Config holds store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// Retain is the number of most recent schedules kept.
	Retain int

	// NoSync disables fsync after each write.
	NoSync bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Retain: DefaultRetain,
	}
}

// Store is a bbolt-backed schedule.Cache.
type Store struct {
	db     *bolt.DB
	config Config

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

var _ schedule.Cache = (*Store)(nil)

// record is the persisted form of a schedule.Snapshot.
type record struct {
	Slot      uint64
	FirstSlot uint64
	Leaders   [][]byte
	Contacts  []contactRecord
	FetchedAt int64
}

type contactRecord struct {
	Identity []byte
	TPU      string
	TPUQUIC  string
	Version  string
}

// Open creates or opens a store.
func Open(config Config) (*Store, error) {
	if config.Retain <= 0 {
		config.Retain = DefaultRetain
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  config.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketSchedules, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{
		db:      db,
		config:  config,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// SaveSchedule persists snap and prunes old records.
func (s *Store) SaveSchedule(snap *schedule.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := s.encode(snap)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if err := b.Put(encodeSlotKey(snap.Slot), data); err != nil {
			return fmt.Errorf("put schedule: %w", err)
		}
		return prune(b, s.config.Retain)
	})
}

// LoadSchedule returns the newest intact schedule, or (nil, nil) if none is
// stored.
func (s *Store) LoadSchedule() (*schedule.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var snap *schedule.Snapshot
	var corrupt int
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSchedules).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			decoded, err := s.decode(v)
			if err != nil {
				corrupt++
				continue
			}
			snap = decoded
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap == nil && corrupt > 0 {
		return nil, fmt.Errorf("%w: %d records unreadable", ErrCorrupt, corrupt)
	}
	return snap, nil
}

// Count returns the number of stored schedules.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(bucketSchedules))
		return nil
	})
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

func (s *Store) encode(snap *schedule.Snapshot) ([]byte, error) {
	rec := record{
		Slot:      snap.Slot,
		FirstSlot: snap.FirstSlot,
		Leaders:   make([][]byte, len(snap.Leaders)),
		Contacts:  make([]contactRecord, 0, len(snap.Contacts)),
		FetchedAt: snap.FetchedAt.UnixNano(),
	}
	for i, leader := range snap.Leaders {
		rec.Leaders[i] = append([]byte(nil), leader[:]...)
	}
	for id, c := range snap.Contacts {
		rec.Contacts = append(rec.Contacts, contactRecord{
			Identity: append([]byte(nil), id[:]...),
			TPU:      c.TPU,
			TPUQUIC:  c.TPUQUIC,
			Version:  c.Version,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}

	compressed := s.encoder.EncodeAll(buf.Bytes(), nil)
	sum := blake3.Sum256(compressed)

	out := make([]byte, 0, checksumSize+len(compressed))
	out = append(out, sum[:]...)
	return append(out, compressed...), nil
}

func (s *Store) decode(data []byte) (*schedule.Snapshot, error) {
	if len(data) < checksumSize {
		return nil, fmt.Errorf("%w: short record", ErrCorrupt)
	}
	sum := blake3.Sum256(data[checksumSize:])
	if !bytes.Equal(sum[:], data[:checksumSize]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	raw, err := s.decoder.DecodeAll(data[checksumSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}

	var rec record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}

	snap := &schedule.Snapshot{
		Slot:      rec.Slot,
		FirstSlot: rec.FirstSlot,
		Leaders:   make([]types.Pubkey, len(rec.Leaders)),
		Contacts:  make(map[types.Pubkey]schedule.Contact, len(rec.Contacts)),
		FetchedAt: time.Unix(0, rec.FetchedAt),
	}
	for i, l := range rec.Leaders {
		if len(l) != types.PubkeySize {
			return nil, fmt.Errorf("%w: leader %d: %v", ErrCorrupt, i, types.ErrInvalidPubkey)
		}
		copy(snap.Leaders[i][:], l)
	}
	for _, c := range rec.Contacts {
		if len(c.Identity) != types.PubkeySize {
			return nil, fmt.Errorf("%w: contact: %v", ErrCorrupt, types.ErrInvalidPubkey)
		}
		var id types.Pubkey
		copy(id[:], c.Identity)
		snap.Contacts[id] = schedule.Contact{
			Identity: id,
			TPU:      c.TPU,
			TPUQUIC:  c.TPUQUIC,
			Version:  c.Version,
		}
	}
	return snap, nil
}

// prune deletes all but the newest retain records.
func prune(b *bolt.Bucket, retain int) error {
	n := countKeys(b)
	if n <= retain {
		return nil
	}

	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && len(stale) < n-retain; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("prune schedule: %w", err)
		}
	}
	return nil
}

func countKeys(b *bolt.Bucket) int {
	var n int
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func encodeSlotKey(slot uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, slot)
	return key
}
