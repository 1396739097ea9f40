package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// FileStore is a Store backed by a directory shared between devices, such as
// a network mount or a synced folder. Records live at
//
//	<root>/<family>/<collection>/<record>.json
//
// Every write replaces the record file atomically while holding an
// exclusive lock on the collection's lock file, so several processes can
// share one directory. Subscriptions watch the collection directory with
// fsnotify.
type FileStore struct {
	root   string
	logger *log.Logger
	now    func() time.Time
}

// lockName is the per-collection lock file. Dot files are never records.
const lockName = ".lock"

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[filestore] ", log.LstdFlags)
	}
	return &FileStore{
		root:   dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Root returns the store directory.
func (f *FileStore) Root() string {
	return f.root
}

func (f *FileStore) collectionDir(familyID, collection string) string {
	return filepath.Join(f.root, url.PathEscape(familyID), url.PathEscape(collection))
}

// Write commits op on top of the record's current file. Re-writing one of
// the record's recent operations is a no-op.
func (f *FileStore) Write(ctx context.Context, op *schema.Operation) error {
	if err := op.Validate(); err != nil {
		return Permanent(fmt.Errorf("rejected operation: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := f.collectionDir(op.FamilyID, op.Collection)
	release, err := f.lockCollection(dir)
	if err != nil {
		return err
	}
	defer release()

	current, err := schema.ReadRecordFile(filepath.Join(dir, schema.RecordFilename(op.RecordID)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		current = nil
	}
	if current.HasOperation(op.ID) {
		return nil
	}

	return schema.WriteRecordFile(dir, current.Commit(op, f.now().UTC()))
}

// lockCollection takes the collection's exclusive lock. The returned
// function releases it.
func (f *FileStore) lockCollection(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create collection directory: %w", err)
	}
	lf, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockExclusive(lf); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	return func() {
		if err := unlock(lf); err != nil {
			f.logger.Printf("Warning: failed to unlock %s: %v", dir, err)
		}
		_ = lf.Close()
	}, nil
}

// Snapshot reads every record file of a collection.
func (f *FileStore) Snapshot(ctx context.Context, collection, familyID string) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := schema.ReadAllRecordFiles(f.collectionDir(familyID, collection))
	if err != nil {
		return nil, err
	}

	out := make([]Change, 0, len(records))
	for _, rec := range records {
		out = append(out, stateChange(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op.RecordID < out[j].Op.RecordID })
	return out, nil
}

// Subscribe watches the collection directory. Files that advanced by more
// than one revision since they were last seen are delivered as their full
// state, since the intermediate operations are gone.
func (f *FileStore) Subscribe(ctx context.Context, collection, familyID string, fn func(Change)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := f.collectionDir(familyID, collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create collection directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch collection directory %s: %w", dir, err)
	}

	// Seed revisions after the watch is in place so no commit falls between.
	existing, err := schema.ReadAllRecordFiles(dir)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	seen := make(map[string]int64, len(existing))
	for _, rec := range existing {
		seen[rec.Operation.RecordID] = rec.Revision
	}

	s := &fileSub{
		watcher: watcher,
		logger:  f.logger,
		fn:      fn,
		seen:    seen,
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

type fileSub struct {
	watcher *fsnotify.Watcher
	logger  *log.Logger
	fn      func(Change)
	seen    map[string]int64

	errs      chan error
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *fileSub) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if c, ok := s.convertEvent(event); ok {
				s.fn(c)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
			return
		}
	}
}

// convertEvent reads the record behind a create or write event.
func (s *fileSub) convertEvent(event fsnotify.Event) (Change, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return Change{}, false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return Change{}, false
	}
	if _, ok := schema.RecordIDFromFilename(name); !ok {
		return Change{}, false
	}

	rec, err := schema.ReadRecordFile(event.Name)
	if err != nil {
		s.logger.Printf("Warning: skipping %s: %v", name, err)
		return Change{}, false
	}

	last := s.seen[rec.Operation.RecordID]
	if rec.Revision <= last {
		return Change{}, false
	}
	s.seen[rec.Operation.RecordID] = rec.Revision

	if rec.Revision > last+1 {
		return stateChange(rec), true
	}
	return deltaChange(rec), true
}

func (s *fileSub) Err() <-chan error {
	return s.errs
}

func (s *fileSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}
