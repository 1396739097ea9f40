// Package queue implements the local durable queue of operations that were
// submitted on this device but not yet acknowledged by the backing store.
//
// Every operation is written to SQLite before Enqueue returns, so a crash or
// restart while offline loses nothing. Operations on the same record leave the
// queue one at a time in timestamp order; operations on different records are
// independent, so a record that keeps failing never holds up the others.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Config holds queue configuration.
type Config struct {
	// FamilyID scopes which persisted operations Load restores.
	FamilyID string

	// MaxAttempts is the number of consecutive failures after which an
	// operation is moved to the dead-letter view.
	MaxAttempts int

	// InitialBackoff, MaxBackoff and Multiplier shape the per-operation
	// exponential backoff between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is the backoff randomization factor (0 disables it).
	Jitter float64

	// Logger for queue operations. Defaults to stderr.
	Logger *log.Logger

	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    8,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
		Jitter:         0.2,
		Logger:         log.New(os.Stderr, "[queue] ", log.LstdFlags),
		Now:            time.Now,
	}
}

type entry struct {
	db.PendingOp
	backoff *backoff.ExponentialBackOff
}

// Queue is the local durable queue. It is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	store  *db.DB
	config Config

	loaded   bool
	entries  map[string]*entry
	byRecord map[schema.RecordKey][]*entry
	inflight map[string]bool
	// discard holds in-flight operations that were withdrawn while being
	// transmitted. They are dropped when the transmission settles.
	discard map[string]bool

	notify chan struct{}
}

// New creates a queue over store with default config.
func New(store *db.DB, familyID string) *Queue {
	cfg := DefaultConfig()
	cfg.FamilyID = familyID
	return NewWithConfig(store, cfg)
}

// NewWithConfig creates a queue with custom config.
func NewWithConfig(store *db.DB, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Queue{
		store:    store,
		config:   cfg,
		entries:  make(map[string]*entry),
		byRecord: make(map[schema.RecordKey][]*entry),
		inflight: make(map[string]bool),
		discard:  make(map[string]bool),
		notify:   make(chan struct{}, 1),
	}
}

// Load restores the persisted operations of the family. Until Load has
// succeeded, Enqueue fails with schema.ErrNotLoaded, so replayed operations
// always order ahead of new local writes. Calling Load again is a no-op.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.loaded {
		return nil
	}

	ops, err := q.store.LoadPendingOps(ctx, q.config.FamilyID)
	if err != nil {
		return &schema.PersistenceFailure{Op: "load", Err: err}
	}

	dead := 0
	for _, p := range ops {
		e := &entry{PendingOp: *p, backoff: q.newBackoff()}
		// Restore the backoff position from the persisted attempt count.
		for i := 0; i < p.Attempts; i++ {
			e.backoff.NextBackOff()
		}
		q.insertLocked(e)
		if p.Dead {
			dead++
		}
	}

	q.loaded = true
	if len(ops) > 0 {
		q.config.Logger.Printf("Restored %d pending operations (%d dead-lettered)", len(ops), dead)
		q.signal()
	}
	return nil
}

// Loaded reports whether Load has completed.
func (q *Queue) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded
}

// Enqueue durably appends op. It returns only after the operation is persisted.
func (q *Queue) Enqueue(ctx context.Context, op *schema.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	if op.FamilyID != q.config.FamilyID {
		return fmt.Errorf("operation %s belongs to family %s, queue serves %s", op.ID, op.FamilyID, q.config.FamilyID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.loaded {
		return schema.ErrNotLoaded
	}
	if _, exists := q.entries[op.ID]; exists {
		return fmt.Errorf("operation %s already queued", op.ID)
	}

	seq, err := q.store.InsertPendingOp(ctx, op)
	if err != nil {
		return &schema.PersistenceFailure{Op: "enqueue", Err: err}
	}

	e := &entry{
		PendingOp: db.PendingOp{Seq: seq, Op: *op, EnqueuedAt: q.config.Now()},
		backoff:   q.newBackoff(),
	}
	q.insertLocked(e)
	q.signal()
	return nil
}

// PeekBatch leases up to max operations for transmission.
//
// For every record only the earliest pending operation is eligible, and only
// when no other operation of that record is in flight and its backoff has
// elapsed. Leased operations stay in the queue until Acknowledge, Fail or
// RequeueFront settles them.
func (q *Queue) PeekBatch(max int) []schema.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		return nil
	}

	now := q.config.Now()
	var heads []*entry
	for _, list := range q.byRecord {
		head := q.headLocked(list)
		if head == nil || head.NextAttemptAt.After(now) {
			continue
		}
		heads = append(heads, head)
	}

	sort.Slice(heads, func(i, j int) bool { return heads[i].Seq < heads[j].Seq })
	if len(heads) > max {
		heads = heads[:max]
	}

	batch := make([]schema.Operation, 0, len(heads))
	for _, e := range heads {
		q.inflight[e.Op.ID] = true
		batch = append(batch, e.Op)
	}
	return batch
}

// NextDue returns when the earliest backed-off operation becomes eligible.
// The boolean is false when nothing is waiting on a backoff timer.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		next  time.Time
		found bool
	)
	for _, list := range q.byRecord {
		head := q.headLocked(list)
		if head == nil || head.NextAttemptAt.IsZero() {
			continue
		}
		if !found || head.NextAttemptAt.Before(next) {
			next = head.NextAttemptAt
			found = true
		}
	}
	return next, found
}

// headLocked returns the next eligible operation of one record, or nil when
// the record is blocked by an in-flight or dead-lettered operation.
func (q *Queue) headLocked(list []*entry) *entry {
	if len(list) == 0 {
		return nil
	}
	head := list[0]
	if head.Dead {
		return nil
	}
	for _, e := range list {
		if q.inflight[e.Op.ID] {
			return nil
		}
	}
	return head
}

// Acknowledge removes an operation the backing store accepted.
func (q *Queue) Acknowledge(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[opID]; !ok {
		delete(q.inflight, opID)
		delete(q.discard, opID)
		return nil
	}

	if err := q.store.DeletePendingOp(ctx, opID); err != nil {
		return &schema.PersistenceFailure{Op: "acknowledge", Err: err}
	}
	q.removeLocked(opID)
	return nil
}

// RequeueFront returns a leased operation to the queue without counting a
// failure. Because ordering is per record by timestamp, the operation is
// again the first candidate for its record.
func (q *Queue) RequeueFront(op schema.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, op.ID)
	if q.discard[op.ID] {
		delete(q.discard, op.ID)
		if err := q.store.DeletePendingOp(context.Background(), op.ID); err != nil {
			q.config.Logger.Printf("Warning: failed to drop withdrawn op %s: %v", op.ID, err)
			return
		}
		q.removeLocked(op.ID)
		return
	}
	q.signal()
}

// FailResult describes what Fail did with an operation.
type FailResult struct {
	Attempts    int
	DeadLetter  bool
	NextAttempt time.Time
}

// Fail records a failed transmission. The operation backs off exponentially;
// after MaxAttempts consecutive failures, or a permanent error, it moves to
// the dead-letter view and its record stops draining until it is revived.
func (q *Queue) Fail(ctx context.Context, opID string, cause error) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, opID)

	e, ok := q.entries[opID]
	if !ok {
		return FailResult{}, fmt.Errorf("fail %s: %w", opID, schema.ErrOperationNotFound)
	}

	if q.discard[opID] {
		delete(q.discard, opID)
		if err := q.store.DeletePendingOp(ctx, opID); err != nil {
			return FailResult{}, &schema.PersistenceFailure{Op: "fail", Err: err}
		}
		q.removeLocked(opID)
		return FailResult{}, nil
	}

	attempts := e.Attempts + 1
	var permanent *backoff.PermanentError
	dead := errors.As(cause, &permanent) || attempts >= q.config.MaxAttempts

	var next time.Time
	if !dead {
		delay := e.backoff.NextBackOff()
		if delay == backoff.Stop {
			dead = true
		} else {
			next = q.config.Now().Add(delay)
		}
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.RecordFailure(ctx, opID, attempts, next, msg, dead); err != nil {
		return FailResult{}, &schema.PersistenceFailure{Op: "fail", Err: err}
	}

	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LastError = msg
	e.Dead = dead

	if dead {
		q.config.Logger.Printf("Operation %s on %s dead-lettered after %d attempts: %s", opID, e.Op.Key(), attempts, msg)
	}
	q.signal()
	return FailResult{Attempts: attempts, DeadLetter: dead, NextAttempt: next}, nil
}

// Supersede withdraws operations that were captured inside a conflict. An
// operation currently in flight is dropped once its transmission settles.
func (q *Queue) Supersede(ctx context.Context, opIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var remove []string
	for _, id := range opIDs {
		if _, ok := q.entries[id]; !ok {
			continue
		}
		if q.inflight[id] {
			q.discard[id] = true
			continue
		}
		remove = append(remove, id)
	}

	if err := q.store.DeletePendingOps(ctx, remove); err != nil {
		return &schema.PersistenceFailure{Op: "supersede", Err: err}
	}
	for _, id := range remove {
		q.removeLocked(id)
	}
	return nil
}

// Revive moves a dead-lettered operation back into the live queue.
func (q *Queue) Revive(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[opID]
	if !ok || !e.Dead {
		return fmt.Errorf("revive %s: %w", opID, schema.ErrOperationNotFound)
	}

	if err := q.store.RevivePendingOp(ctx, opID); err != nil {
		return &schema.PersistenceFailure{Op: "revive", Err: err}
	}

	e.Dead = false
	e.Attempts = 0
	e.NextAttemptAt = time.Time{}
	e.LastError = ""
	e.backoff = q.newBackoff()
	q.signal()
	return nil
}

// Pending returns the live operations queued for one record in timestamp
// order, including any in flight and excluding dead letters.
func (q *Queue) Pending(key schema.RecordKey) []schema.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ops []schema.Operation
	for _, e := range q.byRecord[key] {
		if e.Dead || q.discard[e.Op.ID] {
			continue
		}
		ops = append(ops, e.Op)
	}
	return ops
}

// Contains reports whether opID is still held by the queue.
func (q *Queue) Contains(opID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[opID]
	return ok
}

// DeadLetters returns the dead-lettered operations, oldest first.
func (q *Queue) DeadLetters() []db.PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []db.PendingOp
	for _, e := range q.entries {
		if e.Dead {
			out = append(out, e.PendingOp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of live and dead-lettered operations.
func (q *Queue) Len() (live, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Dead {
			dead++
		} else {
			live++
		}
	}
	return live, dead
}

// InFlight returns the number of leased operations.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Notify returns a channel that receives a value whenever new work may be
// available. Signals coalesce; the channel never blocks the queue.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.config.InitialBackoff
	b.MaxInterval = q.config.MaxBackoff
	b.Multiplier = q.config.Multiplier
	b.RandomizationFactor = q.config.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// insertLocked adds e keeping each record's list sorted by timestamp, then
// by insertion sequence.
func (q *Queue) insertLocked(e *entry) {
	q.entries[e.Op.ID] = e

	key := e.Op.Key()
	list := append(q.byRecord[key], e)
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Op.Timestamp.Equal(list[j].Op.Timestamp) {
			return list[i].Op.Timestamp.Before(list[j].Op.Timestamp)
		}
		return list[i].Seq < list[j].Seq
	})
	q.byRecord[key] = list
}

func (q *Queue) removeLocked(opID string) {
	e, ok := q.entries[opID]
	delete(q.inflight, opID)
	delete(q.discard, opID)
	if !ok {
		return
	}
	delete(q.entries, opID)

	key := e.Op.Key()
	list := q.byRecord[key]
	for i, cur := range list {
		if cur.Op.ID == opID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.byRecord, key)
	} else {
		q.byRecord[key] = list
	}
}
