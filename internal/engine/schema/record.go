package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RecordFile is the stored form of a record in a backing store.
// It holds the last operation committed for the record and the record state
// that operation produced; a delete leaves a tombstone so devices that were
// offline still learn about it.
type RecordFile struct {
	Operation   Operation       `json:"operation"`
	Data        json.RawMessage `json:"data,omitempty"`
	Revision    int64           `json:"revision"`
	CommittedAt time.Time       `json:"committed_at"`

	// RecentOps lists the IDs of the last RecentOpsKept operations
	// committed to the record, newest last. Stores use it to accept a
	// retried write once.
	RecentOps []string `json:"recent_ops,omitempty"`
}

// RecentOpsKept bounds RecordFile.RecentOps.
const RecentOpsKept = 64

// HasOperation reports whether the operation with the given ID is among
// the record's recently committed operations.
func (r *RecordFile) HasOperation(id string) bool {
	if r == nil {
		return false
	}
	if r.Operation.ID == id {
		return true
	}
	for _, seen := range r.RecentOps {
		if seen == id {
			return true
		}
	}
	return false
}

// Tombstone reports whether the record was deleted.
func (r *RecordFile) Tombstone() bool {
	return r.Operation.Kind == OpDelete
}

// Commit returns the record after applying op on top of r (which may be nil).
func (r *RecordFile) Commit(op *Operation, at time.Time) *RecordFile {
	var (
		current json.RawMessage
		rev     int64
		recent  []string
	)
	if r != nil {
		rev = r.Revision
		if !r.Tombstone() {
			current = r.Data
		}
		recent = r.RecentOps
	}
	if len(recent) >= RecentOpsKept {
		recent = recent[len(recent)-RecentOpsKept+1:]
	}
	return &RecordFile{
		Operation:   *op,
		Data:        ApplyPayload(current, op),
		Revision:    rev + 1,
		CommittedAt: at,
		RecentOps:   append(append([]string(nil), recent...), op.ID),
	}
}

// StateOperation describes the whole current record as one operation: an
// update carrying the full record, or a delete for a tombstone. ID, timestamp
// and origin are those of the last committed operation.
func (r *RecordFile) StateOperation() Operation {
	op := r.Operation
	if r.Tombstone() {
		op.Payload = nil
		return op
	}
	op.Kind = OpUpdate
	op.Payload = r.Data
	return op
}

// RecordFilename returns the file name used for a record ID.
// IDs are path-escaped so they can never leave the collection directory.
func RecordFilename(recordID string) string {
	return url.PathEscape(recordID) + ".json"
}

// RecordIDFromFilename reverses RecordFilename.
func RecordIDFromFilename(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// ReadRecordFile reads and validates a record file.
func ReadRecordFile(path string) (*RecordFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec RecordFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	if err := rec.Operation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteRecordFile writes rec into dir atomically: the JSON goes to a temp
// file in the same directory which is then renamed over the target, so
// readers never observe a partial record.
func WriteRecordFile(dir string, rec *RecordFile) error {
	if err := rec.Operation.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.Operation.RecordID, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	path := filepath.Join(dir, RecordFilename(rec.Operation.RecordID))
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename record file %s: %w", path, err)
	}

	return nil
}

// ReadAllRecordFiles reads every record in a collection directory.
// Invalid files are skipped with a warning to stderr.
func ReadAllRecordFiles(dir string) ([]*RecordFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RecordFile{}, nil
		}
		return nil, fmt.Errorf("failed to read collection directory: %w", err)
	}

	var records []*RecordFile
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := RecordIDFromFilename(entry.Name()); !ok {
			continue
		}

		rec, err := ReadRecordFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid record file %s: %v\n", entry.Name(), err)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}
