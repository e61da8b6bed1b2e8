package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

// memDirectory is an in-memory ContactDirectory.
type memDirectory struct {
	mu       sync.Mutex
	contacts map[types.Pubkey]schedule.Contact
	puts     int
}

func (d *memDirectory) PutContacts(cs []schedule.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.contacts == nil {
		d.contacts = make(map[types.Pubkey]schedule.Contact)
	}
	for _, c := range cs {
		d.contacts[c.Identity] = c
	}
	d.puts++
	return nil
}

func (d *memDirectory) Lookup(ids []types.Pubkey) (map[types.Pubkey]schedule.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[types.Pubkey]schedule.Contact)
	for _, id := range ids {
		if c, ok := d.contacts[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func scheduleNode(slot uint64, leaders []types.Pubkey) *mockNode {
	node := newMockNode()
	node.result("getSlot", slot)
	node.handle("getSlotLeaders", func(params []json.RawMessage) (interface{}, *rpcError) {
		var limit uint64
		json.Unmarshal(params[1], &limit)
		out := make([]string, 0, limit)
		for i := uint64(0); i < limit && int(i) < len(leaders); i++ {
			out = append(out, leaders[i].String())
		}
		return out, nil
	})
	return node
}

func nodesResult(ids ...types.Pubkey) []map[string]interface{} {
	out := make([]map[string]interface{}, len(ids))
	for i, id := range ids {
		out[i] = map[string]interface{}{
			"pubkey":  id.String(),
			"tpu":     "192.0.2." + string(rune('1'+i)) + ":8003",
			"tpuQuic": "192.0.2." + string(rune('1'+i)) + ":8009",
		}
	}
	return out
}

func TestFetchSchedule(t *testing.T) {
	leaders := []types.Pubkey{key(1), key(1), key(2), key(3)}
	node := scheduleNode(500, leaders)
	node.result("getClusterNodes", nodesResult(key(1), key(2), key(3), key(4)))
	srv := httptest.NewServer(node)
	defer srv.Close()

	dir := &memDirectory{}
	src := NewScheduleSource(newTestClient(t, srv.URL), SourceConfig{
		Lookahead: 4,
		Directory: dir,
		Log:       slogt.New(t),
	})

	snap, err := src.FetchSchedule(context.Background())
	require.NoError(t, err)
	require.NoError(t, snap.Validate())

	assert.Equal(t, uint64(500), snap.Slot)
	assert.Equal(t, uint64(500), snap.FirstSlot)
	assert.Equal(t, leaders, snap.Leaders)
	assert.Len(t, snap.Contacts, 3, "only leaders' contacts are kept")
	assert.Equal(t, "192.0.2.1:8009", snap.Contacts[key(1)].TPUQUIC)
	assert.WithinDuration(t, time.Now(), snap.FetchedAt, 5*time.Second)

	// The node list was persisted in full.
	assert.Len(t, dir.contacts, 4)

	// Within ContactsInterval getClusterNodes is not re-queried.
	_, err = src.FetchSchedule(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, node.count("getClusterNodes"))
	assert.Equal(t, 2, node.count("getSlotLeaders"))
}

func TestFetchScheduleFallsBackToDirectory(t *testing.T) {
	leaders := []types.Pubkey{key(1), key(2)}
	node := scheduleNode(10, leaders)
	node.handle("getClusterNodes", func([]json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: CodeInternalError, Message: "boom"}
	})
	srv := httptest.NewServer(node)
	defer srv.Close()

	dir := &memDirectory{}
	require.NoError(t, dir.PutContacts([]schedule.Contact{{Identity: key(2), TPUQUIC: "198.51.100.2:8009"}}))

	src := NewScheduleSource(newTestClient(t, srv.URL), SourceConfig{Directory: dir, Log: slogt.New(t)})

	snap, err := src.FetchSchedule(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Contacts, 1)
	assert.Equal(t, "198.51.100.2:8009", snap.Contacts[key(2)].TPUQUIC)
}

func TestFetchScheduleKeepsPreviousContacts(t *testing.T) {
	leaders := []types.Pubkey{key(1)}
	node := scheduleNode(10, leaders)
	node.result("getClusterNodes", nodesResult(key(1)))
	srv := httptest.NewServer(node)
	defer srv.Close()

	src := NewScheduleSource(newTestClient(t, srv.URL), SourceConfig{
		ContactsInterval: time.Nanosecond,
		Log:              slogt.New(t),
	})

	_, err := src.FetchSchedule(context.Background())
	require.NoError(t, err)

	node.handle("getClusterNodes", func([]json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: CodeInternalError, Message: "boom"}
	})
	snap, err := src.FetchSchedule(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Contacts, key(1))
	assert.Equal(t, 2, node.count("getClusterNodes"))
}

func TestFetchScheduleErrors(t *testing.T) {
	node := newMockNode()
	node.setStatus(http.StatusInternalServerError)
	srv := httptest.NewServer(node)
	defer srv.Close()

	src := NewScheduleSource(newTestClient(t, srv.URL), SourceConfig{Log: slogt.New(t)})
	_, err := src.FetchSchedule(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get slot")

	// No node list and no directory: the fetch fails.
	node2 := scheduleNode(10, []types.Pubkey{key(1)})
	srv2 := httptest.NewServer(node2)
	defer srv2.Close()

	src2 := NewScheduleSource(newTestClient(t, srv2.URL), SourceConfig{Log: slogt.New(t)})
	_, err = src2.FetchSchedule(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestTrackerOverRPC(t *testing.T) {
	leaders := []types.Pubkey{key(1), key(1), key(2), key(3)}
	node := scheduleNode(900, leaders)
	node.result("getClusterNodes", nodesResult(key(1), key(2), key(3)))
	srv := httptest.NewServer(node)
	defer srv.Close()

	src := NewScheduleSource(newTestClient(t, srv.URL), SourceConfig{Lookahead: 4, Log: slogt.New(t)})

	cfg := schedule.DefaultConfig()
	cfg.Log = slogt.New(t)
	tr, err := schedule.NewTracker(src, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Refresh(context.Background()))

	got, err := tr.CurrentLeaders(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, key(1), got[0].Leader)
	assert.Equal(t, key(2), got[1].Leader)
	assert.Equal(t, uint64(902), got[1].Slot)
}
