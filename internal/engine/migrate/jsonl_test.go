package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

type fakeSource []*db.Record

func (f fakeSource) Records(ctx context.Context, collection string) ([]*db.Record, error) {
	return f, nil
}

type submitted struct {
	collection, recordID string
	kind                 schema.OpKind
	payload              string
}

type fakeSubmitter struct {
	calls  []submitted
	reject string
}

func (f *fakeSubmitter) SubmitMutation(ctx context.Context, collection, recordID string, kind schema.OpKind, payload json.RawMessage) (string, error) {
	if recordID == f.reject {
		return "", errors.New("rejected")
	}
	f.calls = append(f.calls, submitted{collection, recordID, kind, string(payload)})
	return "op-" + recordID, nil
}

func TestExportSkipsDeleted(t *testing.T) {
	src := fakeSource{
		{RecordID: "milk", Data: json.RawMessage(`{"qty":2}`)},
		{RecordID: "eggs", Deleted: true},
		{RecordID: "bread", Data: json.RawMessage(`{"qty":1}`)},
	}

	var buf bytes.Buffer
	n, err := Export(context.Background(), src, "shopping", &buf)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 records, got %d", n)
	}

	lines, err := ReadLines(&buf)
	if err != nil {
		t.Fatalf("ReadLines() failed: %v", err)
	}
	if len(lines) != 2 || lines[0].RecordID != "milk" || lines[1].RecordID != "bread" {
		t.Errorf("Unexpected lines %+v", lines)
	}
}

func TestReadLines_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad json", "{nope\n"},
		{"no record id", `{"data":{"a":1}}` + "\n"},
		{"no data", `{"record_id":"x"}` + "\n"},
		{"array data", `{"record_id":"x","data":[1]}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadLines(strings.NewReader(tt.input)); err == nil {
				t.Error("Expected an error")
			}
		})
	}

	lines, err := ReadLines(strings.NewReader("\n" + `{"record_id":"x","data":{}}` + "\n\n"))
	if err != nil || len(lines) != 1 {
		t.Errorf("Blank lines should be skipped, got %d lines, err %v", len(lines), err)
	}
}

func TestImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopping.jsonl")
	input := `{"record_id":"milk","data":{"qty":2}}
{"record_id":"eggs","data":{"qty":12}}
{"record_id":"bread","data":{"qty":1}}
`
	if err := os.WriteFile(path, []byte(input), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	sink := &fakeSubmitter{}
	res, err := Import(context.Background(), sink, ImportOptions{Collection: "shopping", FromJSONL: path, DryRun: true})
	if err != nil {
		t.Fatalf("Import() dry run failed: %v", err)
	}
	if res.Parsed != 3 || res.Submitted != 0 || len(sink.calls) != 0 {
		t.Errorf("Dry run submitted something: %+v", res)
	}

	sink.reject = "eggs"
	res, err = Import(context.Background(), sink, ImportOptions{Collection: "shopping", FromJSONL: path})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Submitted != 2 || len(res.Errors) != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
	if sink.calls[0].kind != schema.OpCreate || sink.calls[0].collection != "shopping" || sink.calls[1].recordID != "bread" {
		t.Errorf("Unexpected calls %+v", sink.calls)
	}

	if _, err := Import(context.Background(), sink, ImportOptions{FromJSONL: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
