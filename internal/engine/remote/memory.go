package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// ErrOffline is returned by MemoryStore while it is switched offline.
var ErrOffline = errors.New("backing store unreachable")

// ErrInjected is returned for failures injected with FailNextWrites and
// FailAfterCommit.
var ErrInjected = errors.New("injected write failure")

// MemoryStore is an in-process Store shared by every engine that holds it.
// Several engines on one MemoryStore behave like devices of a family on one
// cloud backend. It can simulate outages, latency and lost acknowledgements.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*schema.RecordFile // family/collection/record
	committed map[string]bool               // operation IDs
	written   []schema.Operation
	subs      map[int]*memorySub
	nextSub   int

	offline         bool
	failWrites      int
	failAfterCommit int
	latency         time.Duration
	now             func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*schema.RecordFile),
		committed: make(map[string]bool),
		subs:      make(map[int]*memorySub),
		now:       time.Now,
	}
}

func memoryKey(familyID, collection, recordID string) string {
	return familyID + "/" + collection + "/" + recordID
}

// Write commits op. Writing an operation that was already committed is a
// no-op that succeeds.
func (m *MemoryStore) Write(ctx context.Context, op *schema.Operation) error {
	if err := op.Validate(); err != nil {
		return Permanent(fmt.Errorf("rejected operation: %w", err))
	}
	if err := m.sleep(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return ErrOffline
	}
	if m.failWrites > 0 {
		m.failWrites--
		m.mu.Unlock()
		return ErrInjected
	}
	if m.committed[op.ID] {
		m.mu.Unlock()
		return nil
	}

	key := memoryKey(op.FamilyID, op.Collection, op.RecordID)
	rec := m.records[key].Commit(op, m.now().UTC())
	m.records[key] = rec
	m.committed[op.ID] = true
	m.written = append(m.written, *op)

	change := deltaChange(rec)
	for _, s := range m.subs {
		if s.familyID == op.FamilyID && s.collection == op.Collection {
			s.push(change)
		}
	}

	lostAck := false
	if m.failAfterCommit > 0 {
		m.failAfterCommit--
		lostAck = true
	}
	m.mu.Unlock()

	if lostAck {
		return ErrInjected
	}
	return nil
}

// Subscribe delivers committed changes of one collection to fn.
func (m *MemoryStore) Subscribe(ctx context.Context, collection, familyID string, fn func(Change)) (Subscription, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrOffline
	}

	s := &memorySub{
		store:      m,
		id:         m.nextSub,
		familyID:   familyID,
		collection: collection,
		fn:         fn,
		signal:     make(chan struct{}, 1),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	m.nextSub++
	m.subs[s.id] = s
	go s.deliver()
	return s, nil
}

// Snapshot returns every record of a collection ordered by record ID.
func (m *MemoryStore) Snapshot(ctx context.Context, collection, familyID string) ([]Change, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrOffline
	}

	var out []Change
	for _, rec := range m.records {
		if rec.Operation.FamilyID == familyID && rec.Operation.Collection == collection {
			out = append(out, stateChange(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op.RecordID < out[j].Op.RecordID })
	return out, nil
}

// SetOffline simulates losing (or regaining) the connection. Going offline
// fails every open subscription.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
	if !offline {
		return
	}
	for id, s := range m.subs {
		delete(m.subs, id)
		s.fail(ErrOffline)
	}
}

// FailNextWrites makes the next n writes fail without committing.
func (m *MemoryStore) FailNextWrites(n int) {
	m.mu.Lock()
	m.failWrites = n
	m.mu.Unlock()
}

// FailAfterCommit makes the next n writes commit but report an error, as if
// the acknowledgement was lost.
func (m *MemoryStore) FailAfterCommit(n int) {
	m.mu.Lock()
	m.failAfterCommit = n
	m.mu.Unlock()
}

// SetLatency delays every call by d.
func (m *MemoryStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Written returns every committed operation in commit order.
func (m *MemoryStore) Written() []schema.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Operation, len(m.written))
	copy(out, m.written)
	return out
}

// Record returns the stored state of one record.
func (m *MemoryStore) Record(familyID, collection, recordID string) (*schema.RecordFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memoryKey(familyID, collection, recordID)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Subscribers returns the number of open subscriptions.
func (m *MemoryStore) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemoryStore) sleep(ctx context.Context) error {
	m.mu.Lock()
	d := m.latency
	m.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *MemoryStore) unsubscribe(id int) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// memorySub delivers changes from its own goroutine so a slow callback never
// blocks writers. Pending changes are held in order until delivered.
type memorySub struct {
	store      *MemoryStore
	id         int
	familyID   string
	collection string
	fn         func(Change)

	mu      sync.Mutex
	pending []Change

	signal    chan struct{}
	errs      chan error
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
}

func (s *memorySub) push(c Change) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) fail(err error) {
	s.failOnce.Do(func() { s.errs <- err })
}

func (s *memorySub) deliver() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(c)
		}
	}
}

func (s *memorySub) Err() <-chan error {
	return s.errs
}

func (s *memorySub) Close() error {
	s.closeOnce.Do(func() {
		s.store.unsubscribe(s.id)
		close(s.done)
	})
	<-s.exited
	return nil
}
