package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validOp() *Operation {
	return &Operation{
		ID:             NewOperationID(),
		Timestamp:      time.Now().UTC(),
		Kind:           OpUpdate,
		Collection:     "shopping",
		RecordID:       "item-1",
		Payload:        json.RawMessage(`{"price":10}`),
		OriginDeviceID: "device-a",
		FamilyID:       "family-1",
	}
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Operation)
		wantErr bool
	}{
		{"valid", func(o *Operation) {}, false},
		{"missing id", func(o *Operation) { o.ID = "" }, true},
		{"zero timestamp", func(o *Operation) { o.Timestamp = time.Time{} }, true},
		{"bad kind", func(o *Operation) { o.Kind = "upsert" }, true},
		{"missing collection", func(o *Operation) { o.Collection = "" }, true},
		{"missing record", func(o *Operation) { o.RecordID = "" }, true},
		{"missing origin", func(o *Operation) { o.OriginDeviceID = "" }, true},
		{"missing family", func(o *Operation) { o.FamilyID = "" }, true},
		{"update without payload", func(o *Operation) { o.Payload = nil }, true},
		{"delete without payload", func(o *Operation) { o.Kind = OpDelete; o.Payload = nil }, false},
		{"invalid json", func(o *Operation) { o.Payload = json.RawMessage(`{"price":`) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := validOp()
			tt.mutate(op)
			err := op.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{`{"a":1,"b":2}`, `{"b":2, "a":1}`, true},
		{`{"a":1}`, `{"a":2}`, false},
		{`[1,2]`, `[1,2]`, true},
		{`{"a":{"x":1}}`, `{ "a": { "x": 1 } }`, true},
		{``, ``, true},
		{`{}`, ``, false},
	}
	for _, tt := range tests {
		if got := JSONEqual(json.RawMessage(tt.a), json.RawMessage(tt.b)); got != tt.want {
			t.Errorf("JSONEqual(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestApplyPayload(t *testing.T) {
	current := json.RawMessage(`{"name":"milk","price":10}`)

	update := validOp()
	update.Payload = json.RawMessage(`{"price":12}`)
	got := ApplyPayload(current, update)
	if !JSONEqual(got, json.RawMessage(`{"name":"milk","price":12}`)) {
		t.Errorf("update patch = %s", got)
	}

	create := validOp()
	create.Kind = OpCreate
	create.Payload = json.RawMessage(`{"name":"bread"}`)
	if got := ApplyPayload(current, create); !JSONEqual(got, create.Payload) {
		t.Errorf("create = %s, want %s", got, create.Payload)
	}

	del := validOp()
	del.Kind = OpDelete
	if got := ApplyPayload(current, del); got != nil {
		t.Errorf("delete = %s, want nil", got)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"lww":              StrategyLastWriterWins,
		"last_writer_wins": StrategyLastWriterWins,
		"ours":             StrategyLocalWins,
		"theirs":           StrategyRemoteWins,
		"merge":            StrategyMerge,
		"manual":           StrategyManual,
	}
	for in, want := range tests {
		got, err := ParseStrategy(in)
		if err != nil {
			t.Fatalf("ParseStrategy(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseStrategy("coinflip"); err == nil {
		t.Error("ParseStrategy(coinflip) should fail")
	}
}

func TestConflictResolveOnce(t *testing.T) {
	c := &Conflict{ID: "c1", Status: StatusUnresolved}

	if err := c.Resolve(StatusUnresolved, Resolution{}); err == nil {
		t.Error("Resolve() to a non-terminal status should fail")
	}

	if err := c.Resolve(StatusResolvedCloud, Resolution{Strategy: StrategyRemoteWins}); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !c.IsResolved() {
		t.Error("conflict should be resolved")
	}

	err := c.Resolve(StatusResolvedLocal, Resolution{Strategy: StrategyLocalWins})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve() error = %v, want ErrAlreadyResolved", err)
	}
	if c.Status != StatusResolvedCloud {
		t.Errorf("status = %s, want %s", c.Status, StatusResolvedCloud)
	}
}

func TestClockMonotonic(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockWithSource(func() time.Time { return fixed })

	a := c.Now()
	b := c.Now()
	if !b.After(a) {
		t.Errorf("second timestamp %v not after first %v", b, a)
	}

	remote := fixed.Add(time.Hour)
	c.Observe(remote)
	if next := c.Now(); !next.After(remote) {
		t.Errorf("timestamp %v not after observed %v", next, remote)
	}

	// Observing an older timestamp never moves the clock back.
	c.Observe(fixed.Add(-time.Hour))
	if next := c.Now(); !next.After(remote) {
		t.Errorf("clock moved backwards: %v", next)
	}
}

func TestResolutionOperationIDDeterministic(t *testing.T) {
	a := ResolutionOperationID("c1", StrategyMerge)
	b := ResolutionOperationID("c1", StrategyMerge)
	if a != b {
		t.Errorf("ids differ: %s vs %s", a, b)
	}
	if a == ResolutionOperationID("c1", StrategyLocalWins) {
		t.Error("different strategies should give different ids")
	}
	if a == ResolutionOperationID("c2", StrategyMerge) {
		t.Error("different conflicts should give different ids")
	}
}

func TestTypedErrors(t *testing.T) {
	base := errors.New("connection reset")
	err := &TransientNetworkError{Op: "write", Err: base}
	if !IsTransient(err) {
		t.Error("IsTransient() = false")
	}
	if !errors.Is(err, base) {
		t.Error("TransientNetworkError should unwrap to base")
	}
	if IsResolutionFailure(err) || IsPersistenceFailure(err) {
		t.Error("transient error misclassified")
	}

	rf := &ResolutionFailure{ConflictID: "c1", Strategy: StrategyMerge, Reason: "type mismatch"}
	if !IsResolutionFailure(rf) {
		t.Error("IsResolutionFailure() = false")
	}
	pf := &PersistenceFailure{Op: "enqueue", Err: base}
	if !IsPersistenceFailure(pf) {
		t.Error("IsPersistenceFailure() = false")
	}
}

func TestRecordFileRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shopping")

	op := validOp()
	op.RecordID = "list/with slash"
	rec := &RecordFile{Operation: *op, Revision: 3, CommittedAt: time.Now().UTC()}

	if err := WriteRecordFile(dir, rec); err != nil {
		t.Fatalf("WriteRecordFile() failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files, want 1 (temp file left behind?)", len(entries))
	}
	id, ok := RecordIDFromFilename(entries[0].Name())
	if !ok || id != op.RecordID {
		t.Errorf("RecordIDFromFilename() = %q, %v", id, ok)
	}

	all, err := ReadAllRecordFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllRecordFiles() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d records, want 1", len(all))
	}
	if all[0].Operation.ID != op.ID || all[0].Revision != 3 {
		t.Errorf("record = %+v", all[0])
	}
}

func TestRecordFileCommitTracksRecentOps(t *testing.T) {
	var rec *RecordFile
	var ids []string
	for i := 0; i < RecentOpsKept+5; i++ {
		op := validOp()
		ids = append(ids, op.ID)
		rec = rec.Commit(op, time.Now().UTC())
	}

	if rec.Revision != int64(RecentOpsKept+5) {
		t.Errorf("Revision = %d, want %d", rec.Revision, RecentOpsKept+5)
	}
	if len(rec.RecentOps) != RecentOpsKept {
		t.Fatalf("kept %d op IDs, want %d", len(rec.RecentOps), RecentOpsKept)
	}
	if !rec.HasOperation(ids[len(ids)-1]) || !rec.HasOperation(ids[5]) {
		t.Error("recent operations not found")
	}
	if rec.HasOperation(ids[4]) {
		t.Error("operation older than the window still reported")
	}

	var missing *RecordFile
	if missing.HasOperation(ids[0]) {
		t.Error("nil record reported an operation")
	}
}

func TestReadAllRecordFiles_SkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WriteRecordFile(dir, &RecordFile{Operation: *validOp()}); err != nil {
		t.Fatal(err)
	}

	all, err := ReadAllRecordFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllRecordFiles() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d records, want 1", len(all))
	}
}

func TestReadAllRecordFiles_MissingDir(t *testing.T) {
	all, err := ReadAllRecordFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("ReadAllRecordFiles() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("got %d records, want 0", len(all))
	}
}
