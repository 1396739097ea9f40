// Package remote connects the engine to the family's backing store.
//
// Store is the adapter contract a backing store implements. Listener sits on
// top of it: one goroutine per subscribed collection that keeps the
// subscription alive, reconnects with backoff, and re-delivers a full
// baseline after every (re)connect so nothing missed while disconnected is
// lost.
//
// Two stores ship with the engine: FileStore, a shared directory watched with
// fsnotify, and MemoryStore, an in-process store with failure injection.
package remote

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Change is one remote mutation as delivered to subscribers.
type Change struct {
	// Op is the operation. For baseline entries it describes the whole
	// current record (see schema.RecordFile.StateOperation).
	Op schema.Operation

	// Revision increases with every commit to the same record.
	Revision int64

	// State means Op carries the whole record rather than a delta.
	State bool

	// Resync marks entries of a baseline snapshot.
	Resync bool

	// BaselineDone marks the end of a baseline. Op is empty.
	BaselineDone bool

	Collection string
}

// Subscription is a live change feed.
type Subscription interface {
	// Err delivers at most one error, after which the subscription is dead
	// and must be closed.
	Err() <-chan error

	// Close stops delivery. Once it returns, the callback is not called again.
	Close() error
}

// Store is the backing-store adapter contract.
//
// Delivery is at least once. Within one collection, changes to the same
// record are delivered in commit order and with increasing Revision.
type Store interface {
	// Write commits op. A nil error is the store's acknowledgement.
	// Errors wrapped with Permanent must not be retried.
	Write(ctx context.Context, op *schema.Operation) error

	// Subscribe starts delivering changes of one collection to fn, one at a
	// time. ctx bounds only the setup; the subscription lives until Close.
	Subscribe(ctx context.Context, collection, familyID string, fn func(Change)) (Subscription, error)

	// Snapshot returns the current state of every record of a collection,
	// tombstones included.
	Snapshot(ctx context.Context, collection, familyID string) ([]Change, error)
}

// Permanent marks err as a rejection that retrying cannot fix.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Transient wraps err as a retryable network error, unless it is permanent.
func Transient(op string, err error) error {
	if err == nil || IsPermanent(err) || schema.IsTransient(err) {
		return err
	}
	return &schema.TransientNetworkError{Op: op, Err: err}
}
