// Package migrate moves records in and out of hearth as JSON Lines.
//
// Each line holds one record:
//
//	{"record_id":"milk","data":{"name":"milk","qty":2}}
//
// Export reads this device's reconciled view. Import replays lines as create
// mutations so they reach the other devices through the normal queue.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Line is one exported record.
type Line struct {
	RecordID  string          `json:"record_id"`
	Data      json.RawMessage `json:"data"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// Source lists the local view of a collection.
type Source interface {
	Records(ctx context.Context, collection string) ([]*db.Record, error)
}

// Submitter queues a mutation.
type Submitter interface {
	SubmitMutation(ctx context.Context, collection, recordID string, kind schema.OpKind, payload json.RawMessage) (string, error)
}

// Export writes every live record of collection to w and returns how many
// were written. Deleted records are skipped.
func Export(ctx context.Context, src Source, collection string, w io.Writer) (int, error) {
	records, err := src.Records(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	enc := json.NewEncoder(w)
	n := 0
	for _, r := range records {
		if r.Deleted {
			continue
		}
		line := Line{RecordID: r.RecordID, Data: r.Data, UpdatedBy: r.UpdatedBy, UpdatedAt: r.UpdatedAt}
		if err := enc.Encode(&line); err != nil {
			return n, fmt.Errorf("failed to write record %s: %w", r.RecordID, err)
		}
		n++
	}
	return n, nil
}

// ReadLines parses a JSON Lines stream. Blank lines are ignored.
func ReadLines(r io.Reader) ([]Line, error) {
	var lines []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if l.RecordID == "" {
			return nil, fmt.Errorf("line %d has no record_id", lineNum)
		}
		if len(l.Data) == 0 {
			return nil, fmt.Errorf("line %d has no data", lineNum)
		}
		if _, err := schema.DecodeObject(l.Data); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return lines, nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	Collection string
	FromJSONL  string // Input file path
	DryRun     bool   // Parse and count without submitting
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Parsed    int
	Submitted int
	Errors    []string
}

// Import submits one create per line. A line whose submit fails is
// reported in Errors and the rest continue.
func Import(ctx context.Context, sink Submitter, opts ImportOptions) (*ImportResult, error) {
	f, err := os.Open(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()

	lines, err := ReadLines(f)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Parsed: len(lines)}
	if opts.DryRun {
		return result, nil
	}
	for _, l := range lines {
		if _, err := sink.SubmitMutation(ctx, opts.Collection, l.RecordID, schema.OpCreate, l.Data); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", l.RecordID, err))
			continue
		}
		result.Submitted++
	}
	return result, nil
}
