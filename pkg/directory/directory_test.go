package directory

import (
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

func openTestDirectory(t *testing.T, ttl time.Duration) *Directory {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.TTL = ttl
	cfg.Log = slogt.New(t)

	d, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func identity(b byte) types.Pubkey {
	var p types.Pubkey
	p[31] = b
	return p
}

func TestPutGet(t *testing.T) {
	d := openTestDirectory(t, time.Hour)

	want := schedule.Contact{
		Identity: identity(1),
		TPU:      "192.0.2.1:8003",
		TPUQUIC:  "192.0.2.1:8009",
		Version:  "2.1.0",
	}
	require.NoError(t, d.PutContacts([]schedule.Contact{want, {TPU: "ignored:1"}}))

	got, err := d.Get(want.Identity)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = d.Get(identity(2))
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := d.All()
	require.NoError(t, err)
	assert.Len(t, all, 1, "zero identity is not stored")
}

func TestPutOverwrites(t *testing.T) {
	d := openTestDirectory(t, time.Hour)

	id := identity(3)
	require.NoError(t, d.PutContacts([]schedule.Contact{{Identity: id, TPU: "192.0.2.3:8003"}}))
	require.NoError(t, d.PutContacts([]schedule.Contact{{Identity: id, TPUQUIC: "192.0.2.3:9009"}}))

	got, err := d.Get(id)
	require.NoError(t, err)
	assert.Empty(t, got.TPU)
	assert.Equal(t, "192.0.2.3:9009", got.TPUQUIC)
}

func TestLookup(t *testing.T) {
	d := openTestDirectory(t, time.Hour)

	require.NoError(t, d.PutContacts([]schedule.Contact{
		{Identity: identity(1), TPUQUIC: "a:1"},
		{Identity: identity(2), TPUQUIC: "b:1"},
	}))

	got, err := d.Lookup([]types.Pubkey{identity(1), identity(1), identity(9), identity(2)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "b:1", got[identity(2)].TPUQUIC)
}

func TestEntriesExpire(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for badger TTL expiry")
	}
	d := openTestDirectory(t, time.Second)

	require.NoError(t, d.PutContacts([]schedule.Contact{{Identity: identity(4), TPU: "x:1"}}))
	_, err := d.Get(identity(4))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := d.Get(identity(4))
		return err == ErrNotFound
	}, 5*time.Second, 100*time.Millisecond)
}

func TestClosed(t *testing.T) {
	d := openTestDirectory(t, time.Hour)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.Get(identity(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.PutContacts(nil), ErrClosed)
	_, err = d.All()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecodeContactCorrupt(t *testing.T) {
	_, err := decodeContact(identity(1), []byte{5, 0, 'a'})
	assert.ErrorIs(t, err, ErrCorrupt)

	c := schedule.Contact{Identity: identity(1), TPU: "t", TPUQUIC: "q", Version: "v"}
	got, err := decodeContact(c.Identity, encodeContact(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)
}
