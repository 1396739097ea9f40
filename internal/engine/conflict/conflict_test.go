package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func op(id, device string, kind schema.OpKind, ts time.Time, payload string) *schema.Operation {
	o := &schema.Operation{
		ID:             id,
		Timestamp:      ts,
		Kind:           kind,
		Collection:     "shopping",
		RecordID:       "item-1",
		OriginDeviceID: device,
		FamilyID:       "family-1",
	}
	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	return o
}

func TestDetect_NonConflicting(t *testing.T) {
	local := op("l1", "device-a", schema.OpUpdate, t0, `{"price":10}`)

	otherRecord := op("r1", "device-b", schema.OpUpdate, t0, `{"price":12}`)
	otherRecord.RecordID = "item-2"

	otherCollection := op("r1", "device-b", schema.OpUpdate, t0, `{"price":12}`)
	otherCollection.Collection = "calendar"

	tests := []struct {
		name   string
		remote *schema.Operation
	}{
		{"different record", otherRecord},
		{"different collection", otherCollection},
		{"own echo", op("l2", "device-a", schema.OpUpdate, t0.Add(time.Second), `{"price":11}`)},
		{"same operation", func() *schema.Operation { o := *local; o.OriginDeviceID = "device-b"; return &o }()},
		{"identical payload", op("r2", "device-b", schema.OpUpdate, t0.Add(time.Second), `{ "price": 10 }`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Detect(local, tt.remote))
		})
	}

	t.Run("both deletes", func(t *testing.T) {
		l := op("l1", "device-a", schema.OpDelete, t0, "")
		r := op("r1", "device-b", schema.OpDelete, t0, "")
		assert.Nil(t, Detect(l, r))
	})
}

func TestDetect_Classification(t *testing.T) {
	tests := []struct {
		local, remote schema.OpKind
		want          schema.ConflictType
	}{
		{schema.OpUpdate, schema.OpUpdate, schema.ConflictConcurrentModification},
		{schema.OpUpdate, schema.OpDelete, schema.ConflictDeleted},
		{schema.OpDelete, schema.OpUpdate, schema.ConflictDeleted},
		{schema.OpCreate, schema.OpDelete, schema.ConflictDeleted},
		{schema.OpCreate, schema.OpCreate, schema.ConflictData},
		{schema.OpCreate, schema.OpUpdate, schema.ConflictData},
		{schema.OpUpdate, schema.OpCreate, schema.ConflictData},
	}
	for _, tt := range tests {
		t.Run(string(tt.local)+"/"+string(tt.remote), func(t *testing.T) {
			lp, rp := `{"a":1}`, `{"a":2}`
			if tt.local == schema.OpDelete {
				lp = ""
			}
			if tt.remote == schema.OpDelete {
				rp = ""
			}
			c := Detect(
				op("l1", "device-a", tt.local, t0, lp),
				op("r1", "device-b", tt.remote, t0.Add(-time.Hour), rp),
			)
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Type)
			assert.Equal(t, schema.StatusUnresolved, c.Status)
			assert.Equal(t, []string{"l1"}, c.LocalOperationIDs)
		})
	}
}

// Device A (offline) sets price 10, device B sets price 12 and syncs first.
func TestScenario_PriceConflictLWW(t *testing.T) {
	local := op("a-op", "device-a", schema.OpUpdate, t0, `{"price":10}`)
	remote := op("b-op", "device-b", schema.OpUpdate, t0.Add(time.Minute), `{"price":12}`)

	c := Detect(local, remote)
	require.NotNil(t, c)
	assert.Equal(t, schema.ConflictConcurrentModification, c.Type)
	assert.JSONEq(t, `{"price":10}`, string(c.LocalVersion.Data))
	assert.JSONEq(t, `{"price":12}`, string(c.RemoteVersion.Data))

	res, err := NewResolver("device-a").Resolve(c, schema.StrategyLastWriterWins)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusResolvedCloud, res.Status)
	assert.Equal(t, schema.WinnerRemote, res.Resolution.Winner)
	assert.JSONEq(t, `{"price":12}`, string(res.Operation.Payload))
	assert.Equal(t, schema.OpUpdate, res.Operation.Kind)
	assert.Equal(t, c.ID, res.Operation.ConflictID)
	assert.True(t, res.Operation.Timestamp.After(remote.Timestamp))
}

// Device A creates X offline while device B deletes X.
func TestScenario_CreateVersusDelete(t *testing.T) {
	local := op("a-op", "device-a", schema.OpCreate, t0, `{"name":"X"}`)
	remote := op("b-op", "device-b", schema.OpDelete, t0.Add(time.Minute), "")

	c := Detect(local, remote)
	require.NotNil(t, c)
	assert.Equal(t, schema.ConflictDeleted, c.Type)

	r := NewResolver("device-a")
	for _, s := range []schema.Strategy{schema.StrategyLastWriterWins, schema.StrategyMerge} {
		_, err := r.Resolve(c, s)
		assert.ErrorIs(t, err, schema.ErrStrategyNotApplicable, "strategy %s", s)
	}
	_, err := r.Resolve(c, schema.StrategyManual)
	assert.ErrorIs(t, err, schema.ErrManualResolution)

	keep, err := r.Resolve(c, schema.StrategyLocalWins)
	require.NoError(t, err)
	assert.Equal(t, schema.OpUpdate, keep.Operation.Kind)
	assert.JSONEq(t, `{"name":"X"}`, string(keep.Operation.Payload))
	assert.Equal(t, schema.StatusResolvedLocal, keep.Status)

	drop, err := r.Resolve(c, schema.StrategyRemoteWins)
	require.NoError(t, err)
	assert.Equal(t, schema.OpDelete, drop.Operation.Kind)
	assert.True(t, drop.Resolution.Deleted)
	assert.Empty(t, drop.Operation.Payload)
}

// Both devices resolve their mirrored view of the same collision and must
// land on the same record, whatever order the writes arrived in.
func TestLWW_Convergence(t *testing.T) {
	cases := []struct {
		name   string
		aTime  time.Time
		bTime  time.Time
		winner string
	}{
		{"a later", t0.Add(time.Second), t0, `{"v":"a"}`},
		{"b later", t0, t0.Add(time.Second), `{"v":"b"}`},
		{"tie broken by device id", t0, t0, `{"v":"b"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			aOp := op("a-op", "device-a", schema.OpUpdate, tc.aTime, `{"v":"a"}`)
			bOp := op("b-op", "device-b", schema.OpUpdate, tc.bTime, `{"v":"b"}`)

			onA := Detect(aOp, bOp)
			onB := Detect(bOp, aOp)
			require.NotNil(t, onA)
			require.NotNil(t, onB)

			resA, err := NewResolver("device-a").Resolve(onA, schema.StrategyLastWriterWins)
			require.NoError(t, err)
			resB, err := NewResolver("device-b").Resolve(onB, schema.StrategyLastWriterWins)
			require.NoError(t, err)

			assert.JSONEq(t, tc.winner, string(resA.Operation.Payload))
			assert.JSONEq(t, tc.winner, string(resB.Operation.Payload))
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	c := Detect(
		op("l1", "device-a", schema.OpUpdate, t0, `{"price":10,"qty":1}`),
		op("r1", "device-b", schema.OpUpdate, t0.Add(time.Second), `{"price":12,"note":"x"}`),
	)
	require.NotNil(t, c)

	r := NewResolver("device-a")
	first, err := r.Resolve(c, schema.StrategyMerge)
	require.NoError(t, err)
	second, err := r.Resolve(c, schema.StrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, first.Operation, second.Operation)

	other, err := r.Resolve(c, schema.StrategyLocalWins)
	require.NoError(t, err)
	assert.NotEqual(t, first.Operation.ID, other.Operation.ID)
}

func TestResolve_AlreadyResolved(t *testing.T) {
	c := Detect(
		op("l1", "device-a", schema.OpUpdate, t0, `{"a":1}`),
		op("r1", "device-b", schema.OpUpdate, t0, `{"a":2}`),
	)
	require.NotNil(t, c)
	require.NoError(t, c.Resolve(schema.StatusResolvedLocal, schema.Resolution{Strategy: schema.StrategyLocalWins}))

	_, err := NewResolver("device-a").Resolve(c, schema.StrategyLocalWins)
	assert.ErrorIs(t, err, schema.ErrAlreadyResolved)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		local   string
		remote  string
		localTS time.Time
		want    string
		wantErr bool
	}{
		{
			name:   "disjoint fields union",
			local:  `{"price":10}`,
			remote: `{"name":"milk"}`,
			want:   `{"price":10,"name":"milk"}`,
		},
		{
			name:    "same field, local later",
			local:   `{"price":10,"qty":2}`,
			remote:  `{"price":12}`,
			localTS: t0.Add(time.Minute),
			want:    `{"price":10,"qty":2}`,
		},
		{
			name:    "same field, remote later",
			local:   `{"price":10,"qty":2}`,
			remote:  `{"price":12}`,
			localTS: t0.Add(-time.Minute),
			want:    `{"price":12,"qty":2}`,
		},
		{
			name:    "nested objects merged recursively",
			local:   `{"meta":{"color":"red","size":1}}`,
			remote:  `{"meta":{"size":2,"tag":"x"}}`,
			localTS: t0.Add(-time.Minute),
			want:    `{"meta":{"color":"red","size":2,"tag":"x"}}`,
		},
		{
			name:    "object versus scalar",
			local:   `{"meta":{"color":"red"}}`,
			remote:  `{"meta":"none"}`,
			wantErr: true,
		},
		{
			name:    "non-object payload",
			local:   `[1,2]`,
			remote:  `{"a":1}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			localTS := tt.localTS
			if localTS.IsZero() {
				localTS = t0
			}
			c := Detect(
				op("l1", "device-a", schema.OpUpdate, localTS, tt.local),
				op("r1", "device-b", schema.OpUpdate, t0, tt.remote),
			)
			require.NotNil(t, c)

			res, err := NewResolver("device-a").Resolve(c, schema.StrategyMerge)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, schema.IsResolutionFailure(err), "want ResolutionFailure, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, schema.StatusMerged, res.Status)
			assert.JSONEq(t, tt.want, string(res.Operation.Payload))
		})
	}
}

func TestMerge_RejectedForCreates(t *testing.T) {
	c := Detect(
		op("l1", "device-a", schema.OpCreate, t0, `{"a":1}`),
		op("r1", "device-b", schema.OpCreate, t0, `{"b":1}`),
	)
	require.NotNil(t, c)
	_, err := NewResolver("device-a").Resolve(c, schema.StrategyMerge)
	assert.ErrorIs(t, err, schema.ErrStrategyNotApplicable)
}

func TestResolveWithData(t *testing.T) {
	c := Detect(
		op("l1", "device-a", schema.OpUpdate, t0, `{"a":1}`),
		op("r1", "device-b", schema.OpDelete, t0, ""),
	)
	require.NotNil(t, c)

	r := NewResolver("device-a")
	_, err := r.ResolveWithData(c, nil, "")
	assert.ErrorIs(t, err, schema.ErrManualResolution)

	res, err := r.ResolveWithData(c, json.RawMessage(`{"a":3}`), "mom")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusMerged, res.Status)
	assert.Equal(t, schema.StrategyManual, res.Resolution.Strategy)
	assert.Equal(t, "mom", res.Resolution.ResolvedBy)
	assert.JSONEq(t, `{"a":3}`, string(res.Operation.Payload))
}

func TestCollapse(t *testing.T) {
	ops := []schema.Operation{
		*op("o2", "device-a", schema.OpUpdate, t0.Add(2*time.Second), `{"qty":2}`),
		*op("o1", "device-a", schema.OpCreate, t0.Add(time.Second), `{"name":"milk","qty":1}`),
		*op("o3", "device-a", schema.OpUpdate, t0.Add(3*time.Second), `{"price":4}`),
	}

	eff, ids := Collapse(ops)
	require.NotNil(t, eff)
	assert.Equal(t, []string{"o1", "o2", "o3"}, ids)
	assert.Equal(t, "o3", eff.ID)
	assert.Equal(t, schema.OpCreate, eff.Kind)
	assert.JSONEq(t, `{"name":"milk","qty":2,"price":4}`, string(eff.Payload))
	assert.Equal(t, t0.Add(3*time.Second), eff.Timestamp)

	withDelete := append(ops, *op("o4", "device-a", schema.OpDelete, t0.Add(4*time.Second), ""))
	eff, _ = Collapse(withDelete)
	assert.Equal(t, schema.OpDelete, eff.Kind)
	assert.Empty(t, eff.Payload)

	eff, ids = Collapse(nil)
	assert.Nil(t, eff)
	assert.Nil(t, ids)
}

func TestApplicable(t *testing.T) {
	assert.False(t, Applicable(schema.ConflictDeleted, schema.StrategyLastWriterWins))
	assert.True(t, Applicable(schema.ConflictDeleted, schema.StrategyRemoteWins))
	assert.False(t, Applicable(schema.ConflictData, schema.StrategyMerge))
	assert.True(t, Applicable(schema.ConflictConcurrentModification, schema.StrategyMerge))
	assert.False(t, Applicable(schema.ConflictConcurrentModification, schema.StrategyManual))
}
