package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

const (
	family = "family-1"
	items  = "items"
)

var quiet = log.New(io.Discard, "", 0)

func testConfig(deviceID string) Config {
	cfg := DefaultConfig()
	cfg.FamilyID = family
	cfg.DeviceID = deviceID
	cfg.Platform = "test"
	cfg.AppVersion = "1.0.0"
	cfg.Collections = []string{items}
	cfg.TransmitTimeout = time.Second
	cfg.Logger = quiet

	cfg.Queue.Logger = quiet
	cfg.Queue.InitialBackoff = 5 * time.Millisecond
	cfg.Queue.MaxBackoff = 20 * time.Millisecond
	cfg.Queue.Jitter = 0

	cfg.Listener = remote.Config{
		Timeout:        time.Second,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Buffer:         256,
		Logger:         quiet,
	}
	cfg.Registry.Logger = quiet
	cfg.Feed.Logger = quiet
	return cfg
}

func openDB(t *testing.T, path string) *db.DB {
	t.Helper()
	database, err := db.Open(path)
	require.NoError(t, err)
	require.NoError(t, database.InitSchema())
	return database
}

// startDevice runs a coordinator on its own database until the test ends.
func startDevice(t *testing.T, store remote.Store, deviceID string, tweak func(*Config)) *Coordinator {
	t.Helper()
	database := openDB(t, filepath.Join(t.TempDir(), deviceID+".db"))

	cfg := testConfig(deviceID)
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(store, database, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	t.Cleanup(func() {
		_ = c.Stop(context.Background())
		_ = database.Close()
	})
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func setOnline(t *testing.T, c *Coordinator, online bool) {
	t.Helper()
	require.NoError(t, c.SetOnline(context.Background(), online))
	eventually(t, func() bool { return c.Online() == online }, "connectivity change not applied")
}

func submit(t *testing.T, c *Coordinator, kind schema.OpKind, recordID, payload string) string {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	id, err := c.SubmitMutation(context.Background(), items, recordID, kind, raw)
	require.NoError(t, err)
	return id
}

func fields(t *testing.T, data json.RawMessage) map[string]any {
	t.Helper()
	out := map[string]any{}
	if len(data) == 0 {
		return out
	}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// localField reads a field of the device's view, or nil.
func localField(c *Coordinator, recordID, field string) any {
	rec, err := c.Record(context.Background(), items, recordID)
	if err != nil || rec == nil || rec.Deleted {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(rec.Data, &m) != nil {
		return nil
	}
	return m[field]
}

func storeField(store *remote.MemoryStore, recordID, field string) any {
	rec, ok := store.Record(family, items, recordID)
	if !ok || rec.Tombstone() {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(rec.Data, &m) != nil {
		return nil
	}
	return m[field]
}

// waitBase waits until the store's feed has reported opID to c.
func waitBase(t *testing.T, c *Coordinator, recordID, opID string) {
	t.Helper()
	eventually(t, func() bool {
		rec, err := c.Record(context.Background(), items, recordID)
		return err == nil && rec != nil && rec.BaseOpID == opID
	}, "operation never echoed")
}

func hasEvent(c *Coordinator, typ schema.EventType, status string) bool {
	for _, ev := range c.RecentEvents(time.Time{}, 0) {
		if ev.Type == typ && (status == "" || ev.Status == status) {
			return true
		}
	}
	return false
}

func TestNew_ValidatesConfig(t *testing.T) {
	database := openDB(t, filepath.Join(t.TempDir(), "a.db"))
	defer database.Close()
	store := remote.NewMemoryStore()

	cfg := testConfig("device-a")
	cfg.Collections = nil
	_, err := New(store, database, cfg)
	assert.Error(t, err)

	cfg = testConfig("device-a")
	cfg.Collections = []string{schema.PresenceCollection}
	_, err = New(store, database, cfg)
	assert.Error(t, err)

	cfg = testConfig("device-a")
	cfg.DeleteStrategy = schema.StrategyMerge
	_, err = New(store, database, cfg)
	assert.Error(t, err)

	cfg = testConfig("")
	_, err = New(store, database, cfg)
	assert.Error(t, err)
}

func TestSubmitMutation_NotRunning(t *testing.T) {
	database := openDB(t, filepath.Join(t.TempDir(), "a.db"))
	defer database.Close()

	c, err := New(remote.NewMemoryStore(), database, testConfig("device-a"))
	require.NoError(t, err)

	_, err = c.SubmitMutation(context.Background(), items, "x", schema.OpCreate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSubmitMutation_Rejects(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)
	ctx := context.Background()

	_, err := a.SubmitMutation(ctx, "unknown", "x", schema.OpCreate, json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = a.SubmitMutation(ctx, items, "", schema.OpCreate, json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = a.SubmitMutation(ctx, items, "x", schema.OpCreate, json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestSubmitMutation_ReachesPeers(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)
	b := startDevice(t, store, "device-b", nil)

	opID := submit(t, a, schema.OpCreate, "item-1", `{"name":"lamp","price":8}`)

	eventually(t, func() bool { return storeField(store, "item-1", "price") == float64(8) }, "store never got the record")
	eventually(t, func() bool { return localField(b, "item-1", "name") == "lamp" }, "peer never converged")
	eventually(t, func() bool { return a.Metrics().SyncCount == 1 }, "sync not counted")
	eventually(t, func() bool { return a.State() == schema.StateIdle }, "device did not settle")

	rec, err := b.Record(context.Background(), items, "item-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, opID, rec.BaseOpID)
	assert.False(t, rec.Deleted)

	assert.True(t, hasEvent(a, schema.EventOpEnqueued, "pending"))
	assert.True(t, hasEvent(a, schema.EventOpAcknowledged, ""))
	assert.True(t, hasEvent(b, schema.EventRemoteApplied, ""))
	assert.Empty(t, a.DeadLetters())
}

func TestSubmitMutation_LocalViewImmediate(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)
	setOnline(t, a, false)

	submit(t, a, schema.OpCreate, "item-1", `{"name":"lamp","price":8}`)
	submit(t, a, schema.OpUpdate, "item-1", `{"price":9}`)

	rec, err := a.Record(context.Background(), items, "item-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, map[string]any{"name": "lamp", "price": float64(9)}, fields(t, rec.Data))
	eventually(t, func() bool { return a.Metrics().QueueDepth == 2 }, "queue depth not reported")

	_, ok := store.Record(family, items, "item-1")
	assert.False(t, ok, "nothing is transmitted while offline")
}

// Two devices edit the same field while one is offline. With manual
// resolution configured, exactly one conflict appears, and resolving it
// with last-writer-wins converges both devices on the later edit.
func TestConflict_ConcurrentPriceEdit(t *testing.T) {
	store := remote.NewMemoryStore()
	manual := func(cfg *Config) {
		cfg.Strategies = map[string]schema.Strategy{items: schema.StrategyManual}
	}
	a := startDevice(t, store, "device-a", manual)
	b := startDevice(t, store, "device-b", manual)
	ctx := context.Background()

	created := submit(t, a, schema.OpCreate, "item-1", `{"name":"lamp","price":8}`)
	waitBase(t, a, "item-1", created)
	waitBase(t, b, "item-1", created)

	setOnline(t, a, false)
	submit(t, a, schema.OpUpdate, "item-1", `{"price":10}`)
	time.Sleep(2 * time.Millisecond)
	submit(t, b, schema.OpUpdate, "item-1", `{"price":12}`)
	eventually(t, func() bool { return storeField(store, "item-1", "price") == float64(12) }, "peer edit not stored")

	setOnline(t, a, true)

	var open []*schema.Conflict
	eventually(t, func() bool {
		var err error
		open, err = a.ListUnresolvedConflicts(ctx, family)
		return err == nil && len(open) == 1
	}, "conflict not detected")
	eventually(t, func() bool { return a.State() == schema.StateConflicted }, "state not conflicted")

	cf := open[0]
	assert.Equal(t, schema.ConflictConcurrentModification, cf.Type)
	assert.Equal(t, float64(10), fields(t, cf.LocalVersion.Data)["price"])
	assert.Equal(t, float64(12), fields(t, cf.RemoteVersion.Data)["price"])
	assert.Equal(t, "device-b", cf.RemoteVersion.ModifiedBy)
	assert.Equal(t, float64(10), localField(a, "item-1", "price"), "local edit stays visible while unresolved")

	ok, err := a.ResolveConflict(ctx, cf.ID, schema.ResolutionRequest{Strategy: schema.StrategyLastWriterWins})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.ResolveConflict(ctx, cf.ID, schema.ResolutionRequest{Strategy: schema.StrategyLastWriterWins})
	require.NoError(t, err)
	assert.True(t, ok, "resolving again with the same strategy is a no-op")

	_, err = a.ResolveConflict(ctx, cf.ID, schema.ResolutionRequest{Strategy: schema.StrategyLocalWins})
	assert.ErrorIs(t, err, schema.ErrAlreadyResolved)

	eventually(t, func() bool { return storeField(store, "item-1", "price") == float64(12) }, "store diverged")
	eventually(t, func() bool { return localField(a, "item-1", "price") == float64(12) }, "device a diverged")
	eventually(t, func() bool { return localField(b, "item-1", "price") == float64(12) }, "device b diverged")
	assert.Equal(t, "lamp", localField(a, "item-1", "name"))

	resolved, err := a.Conflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusResolvedCloud, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, schema.WinnerRemote, resolved.Resolution.Winner)

	others, err := b.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, others, "only the device that was behind sees the conflict")
	eventually(t, func() bool { return a.State() == schema.StateIdle }, "device a did not settle")
}

// A record created on one device was deleted elsewhere while the device was
// offline. The delete is never applied silently: the conflict waits for a
// decision, and last-writer-wins is refused.
func TestConflict_CreateVersusDelete(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)
	b := startDevice(t, store, "device-b", nil)
	ctx := context.Background()

	setOnline(t, a, false)
	submit(t, a, schema.OpCreate, "item-x", `{"title":"from a"}`)

	require.NoError(t, store.Write(ctx, &schema.Operation{
		ID:             schema.NewOperationID(),
		Timestamp:      time.Now().UTC(),
		Kind:           schema.OpCreate,
		Collection:     items,
		RecordID:       "item-x",
		Payload:        json.RawMessage(`{"title":"from c"}`),
		OriginDeviceID: "device-c",
		FamilyID:       family,
	}))
	eventually(t, func() bool { return localField(b, "item-x", "title") == "from c" }, "peer never saw the create")

	submit(t, b, schema.OpDelete, "item-x", "")
	eventually(t, func() bool {
		rec, ok := store.Record(family, items, "item-x")
		return ok && rec.Tombstone()
	}, "delete not stored")

	setOnline(t, a, true)

	var open []*schema.Conflict
	eventually(t, func() bool {
		var err error
		open, err = a.ListUnresolvedConflicts(ctx, family)
		return err == nil && len(open) == 1
	}, "conflict not detected")
	cf := open[0]
	assert.Equal(t, schema.ConflictDeleted, cf.Type)
	eventually(t, func() bool { return a.State() == schema.StateConflicted }, "state not conflicted")

	time.Sleep(50 * time.Millisecond)
	still, err := a.Conflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusUnresolved, still.Status, "delete conflicts are not auto-resolved")

	ok, err := a.ResolveConflict(ctx, cf.ID, schema.ResolutionRequest{Strategy: schema.StrategyLastWriterWins})
	assert.False(t, ok)
	assert.ErrorIs(t, err, schema.ErrStrategyNotApplicable)

	ok, err = a.ResolveConflict(ctx, cf.ID, schema.ResolutionRequest{Strategy: schema.StrategyLocalWins})
	require.NoError(t, err)
	assert.True(t, ok)

	eventually(t, func() bool { return storeField(store, "item-x", "title") == "from a" }, "record not resurrected in store")
	eventually(t, func() bool { return localField(b, "item-x", "title") == "from a" }, "record not resurrected on peer")

	resolved, err := a.Conflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusResolvedLocal, resolved.Status)
}

func TestConflict_LastWriterWinsConverges(t *testing.T) {
	for _, first := range []string{"device-a", "device-b"} {
		t.Run(first+" first", func(t *testing.T) {
			store := remote.NewMemoryStore()
			a := startDevice(t, store, "device-a", nil)
			b := startDevice(t, store, "device-b", nil)

			created := submit(t, a, schema.OpCreate, "item-1", `{"name":"lamp","price":8}`)
			waitBase(t, a, "item-1", created)
			waitBase(t, b, "item-1", created)

			setOnline(t, a, false)
			setOnline(t, b, false)
			submit(t, a, schema.OpUpdate, "item-1", `{"price":1}`)
			time.Sleep(2 * time.Millisecond)
			submit(t, b, schema.OpUpdate, "item-1", `{"price":2}`)

			devices := map[string]*Coordinator{"device-a": a, "device-b": b}
			second := "device-b"
			if first == "device-b" {
				second = "device-a"
			}
			setOnline(t, devices[first], true)
			eventually(t, func() bool { return devices[first].Metrics().QueueDepth == 0 }, "first device did not drain")
			setOnline(t, devices[second], true)

			for name, c := range devices {
				c := c
				eventually(t, func() bool { return localField(c, "item-1", "price") == float64(2) }, name+" did not converge")
			}
			eventually(t, func() bool { return storeField(store, "item-1", "price") == float64(2) }, "store did not converge")
			eventually(t, func() bool { return devices[second].Metrics().ResolvedCount == 1 }, "conflict not auto-resolved")

			open, err := devices[second].ListUnresolvedConflicts(context.Background(), family)
			require.NoError(t, err)
			assert.Empty(t, open)
		})
	}
}

// Edits to different fields of the same record merge instead of one
// overwriting the other.
func TestConflict_MergeKeepsBothEdits(t *testing.T) {
	store := remote.NewMemoryStore()
	merge := func(cfg *Config) {
		cfg.Strategies = map[string]schema.Strategy{items: schema.StrategyMerge}
	}
	a := startDevice(t, store, "device-a", merge)
	b := startDevice(t, store, "device-b", merge)

	created := submit(t, a, schema.OpCreate, "item-1", `{"name":"lamp","price":8}`)
	waitBase(t, a, "item-1", created)
	waitBase(t, b, "item-1", created)

	setOnline(t, a, false)
	setOnline(t, b, false)
	submit(t, a, schema.OpUpdate, "item-1", `{"price":1}`)
	submit(t, b, schema.OpUpdate, "item-1", `{"stock":5}`)

	setOnline(t, b, true)
	eventually(t, func() bool { return storeField(store, "item-1", "stock") == float64(5) }, "peer edit not stored")
	setOnline(t, a, true)

	for name, c := range map[string]*Coordinator{"device-a": a, "device-b": b} {
		c := c
		eventually(t, func() bool {
			return localField(c, "item-1", "price") == float64(1) && localField(c, "item-1", "stock") == float64(5)
		}, name+" lost an edit")
	}
	eventually(t, func() bool {
		return storeField(store, "item-1", "price") == float64(1) && storeField(store, "item-1", "stock") == float64(5)
	}, "store lost an edit")

	resolved, err := a.Conflicts(context.Background(), schema.StatusMerged)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}

func TestQueue_PerRecordOrder(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)

	setOnline(t, a, false)
	ids := []string{
		submit(t, a, schema.OpCreate, "item-1", `{"n":0}`),
		submit(t, a, schema.OpUpdate, "item-1", `{"n":1}`),
		submit(t, a, schema.OpUpdate, "item-1", `{"n":2}`),
		submit(t, a, schema.OpUpdate, "item-1", `{"n":3}`),
	}
	setOnline(t, a, true)

	eventually(t, func() bool { return a.Metrics().SyncCount == 4 }, "queue not drained")
	assert.Equal(t, float64(3), storeField(store, "item-1", "n"))

	var written []string
	for _, op := range store.Written() {
		if op.Collection == items && op.RecordID == "item-1" {
			written = append(written, op.ID)
		}
	}
	assert.Equal(t, ids, written)
}

// Operations submitted offline survive a restart and are delivered by the
// next process.
func TestQueue_SurvivesRestart(t *testing.T) {
	store := remote.NewMemoryStore()
	path := filepath.Join(t.TempDir(), "device-a.db")
	ctx := context.Background()

	database := openDB(t, path)
	first, err := New(store, database, testConfig("device-a"))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	setOnline(t, first, false)

	submit(t, first, schema.OpCreate, "item-1", `{"n":1}`)
	submit(t, first, schema.OpCreate, "item-2", `{"n":2}`)
	submit(t, first, schema.OpDelete, "item-3", "")
	require.NoError(t, first.Stop(ctx))
	require.NoError(t, database.Close())

	database = openDB(t, path)
	defer database.Close()
	second, err := New(store, database, testConfig("device-a"))
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer second.Stop(ctx)

	eventually(t, func() bool {
		_, ok1 := store.Record(family, items, "item-1")
		_, ok2 := store.Record(family, items, "item-2")
		rec3, ok3 := store.Record(family, items, "item-3")
		return ok1 && ok2 && ok3 && rec3.Tombstone()
	}, "operations lost across restart")
	eventually(t, func() bool { return second.Metrics().QueueDepth == 0 }, "queue not drained")
}

func TestQueue_TransientFailuresRetried(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)

	store.FailNextWrites(2)
	submit(t, a, schema.OpCreate, "item-1", `{"n":1}`)

	eventually(t, func() bool { return a.Metrics().SyncCount == 1 }, "operation never delivered")
	assert.Equal(t, float64(1), storeField(store, "item-1", "n"))
	assert.True(t, hasEvent(a, schema.EventOpRetry, ""))
	assert.Empty(t, a.DeadLetters())
}

func TestQueue_LostAcknowledgementIsIdempotent(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)

	store.FailAfterCommit(1)
	submit(t, a, schema.OpCreate, "item-1", `{"n":1}`)

	eventually(t, func() bool { return a.Metrics().SyncCount == 1 }, "operation never acknowledged")
	rec, ok := store.Record(family, items, "item-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Revision, "retry must not commit twice")
}

func TestQueue_DeadLetterAndRetry(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", func(cfg *Config) {
		cfg.Queue.MaxAttempts = 2
	})
	ctx := context.Background()

	store.FailNextWrites(100)
	opID := submit(t, a, schema.OpCreate, "item-1", `{"n":1}`)

	eventually(t, func() bool { return len(a.DeadLetters()) == 1 }, "operation not dead-lettered")
	assert.Equal(t, opID, a.DeadLetters()[0].Op.ID)
	assert.True(t, hasEvent(a, schema.EventOpDeadLettered, ""))
	assert.True(t, hasEvent(a, schema.EventStateChanged, string(schema.StateError)))
	eventually(t, func() bool { return a.Metrics().DeadLetters == 1 }, "dead letter not counted")
	assert.NotEmpty(t, a.Metrics().Errors)

	// A dead letter only blocks its own record.
	store.FailNextWrites(0)
	submit(t, a, schema.OpCreate, "item-2", `{"n":2}`)
	eventually(t, func() bool { return storeField(store, "item-2", "n") == float64(2) }, "other record blocked")

	require.NoError(t, a.RetryDeadLetter(ctx, opID))
	eventually(t, func() bool { return storeField(store, "item-1", "n") == float64(1) }, "revived operation not delivered")
	assert.Empty(t, a.DeadLetters())
	assert.True(t, hasEvent(a, schema.EventOpRevived, ""))
}

func TestResolveConflict_Unknown(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)
	ctx := context.Background()

	_, err := a.ResolveConflict(ctx, "missing", schema.ResolutionRequest{Strategy: schema.StrategyLocalWins})
	assert.ErrorIs(t, err, schema.ErrConflictNotFound)

	_, err = a.ResolveConflict(ctx, "missing", schema.ResolutionRequest{Strategy: "coin_flip"})
	assert.Error(t, err)
}

func TestPresence_PeersVisible(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)
	b := startDevice(t, store, "device-b", func(cfg *Config) {
		cfg.AppVersion = "0.9.0"
	})

	peerStatus := func(c *Coordinator, id string) schema.DeviceStatus {
		for _, p := range c.Peers() {
			if p.DeviceID == id {
				return p.Status
			}
		}
		return ""
	}

	eventually(t, func() bool { return peerStatus(a, "device-b") == schema.DeviceActive }, "a never saw b")
	eventually(t, func() bool { return peerStatus(b, "device-a") == schema.DeviceActive }, "b never saw a")
	assert.True(t, hasEvent(a, schema.EventDeviceSeen, ""))

	outdated := a.OutdatedPeers()
	require.Len(t, outdated, 1)
	assert.Equal(t, "device-b", outdated[0].DeviceID)

	setOnline(t, b, false)
	eventually(t, func() bool { return peerStatus(a, "device-b") == schema.DeviceOffline }, "offline status not seen")
}

func TestPresence_OfflineStopsHeartbeats(t *testing.T) {
	store := remote.NewMemoryStore()
	fast := func(cfg *Config) { cfg.Registry.HeartbeatInterval = 20 * time.Millisecond }
	a := startDevice(t, store, "device-a", fast)
	b := startDevice(t, store, "device-b", fast)

	statusOf := func(id string) schema.DeviceStatus {
		for _, p := range b.Peers() {
			if p.DeviceID == id {
				return p.Status
			}
		}
		return ""
	}
	eventually(t, func() bool { return statusOf("device-a") == schema.DeviceActive }, "b never saw a")

	setOnline(t, a, false)
	assert.Equal(t, schema.DeviceOffline, a.Self().Status)
	eventually(t, func() bool { return statusOf("device-a") == schema.DeviceOffline }, "offline status not seen")

	// Several heartbeat intervals pass without a going back to active.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, schema.DeviceOffline, a.Self().Status)
	assert.Equal(t, schema.DeviceOffline, statusOf("device-a"))

	setOnline(t, a, true)
	eventually(t, func() bool { return a.Self().Status == schema.DeviceActive }, "a never resumed")
	eventually(t, func() bool { return statusOf("device-a") == schema.DeviceActive }, "b never saw a resume")
}

func TestEvents_StateTransitions(t *testing.T) {
	store := remote.NewMemoryStore()
	a := startDevice(t, store, "device-a", nil)

	var (
		mu   sync.Mutex
		seen []schema.SyncState
	)
	done := make(chan struct{})
	unsub := a.Subscribe(func(ev schema.Event) {
		if ev.Type != schema.EventStateChanged {
			return
		}
		mu.Lock()
		seen = append(seen, schema.SyncState(ev.Status))
		mu.Unlock()
		if ev.Status == string(schema.StateIdle) {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer unsub()

	submit(t, a, schema.OpCreate, "item-1", `{"n":1}`)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("never returned to idle")
	}
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, []schema.SyncState{schema.StateSyncing, schema.StateSynced, schema.StateIdle}, seen[:3])
}

func TestRepeatsResolution(t *testing.T) {
	manual := &schema.Resolution{Strategy: schema.StrategyManual, Data: json.RawMessage(`{"price":11,"name":"lamp"}`)}
	lww := &schema.Resolution{Strategy: schema.StrategyLastWriterWins, Data: json.RawMessage(`{"price":12}`)}

	tests := []struct {
		name string
		res  *schema.Resolution
		req  schema.ResolutionRequest
		want bool
	}{
		{"same strategy", lww, schema.ResolutionRequest{Strategy: schema.StrategyLastWriterWins}, true},
		{"other strategy", lww, schema.ResolutionRequest{Strategy: schema.StrategyLocalWins}, false},
		{"manual same data", manual, schema.ResolutionRequest{Strategy: schema.StrategyManual, Data: json.RawMessage(`{"name":"lamp","price":11}`)}, true},
		{"manual other data", manual, schema.ResolutionRequest{Strategy: schema.StrategyManual, Data: json.RawMessage(`{"price":99}`)}, false},
		{"manual without data", manual, schema.ResolutionRequest{Strategy: schema.StrategyManual}, false},
		{"no resolution", nil, schema.ResolutionRequest{Strategy: schema.StrategyManual}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, repeatsResolution(tt.res, tt.req))
		})
	}
}
