package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Config holds listener configuration.
type Config struct {
	// Timeout bounds every subscribe and snapshot call.
	Timeout time.Duration

	// InitialBackoff and MaxBackoff shape the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Buffer is the number of live changes held while a baseline is being
	// delivered. Overflowing it forces a reconnect and a fresh baseline.
	Buffer int

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Buffer:         1024,
		Logger:         log.New(os.Stderr, "[listener] ", log.LstdFlags),
	}
}

// ErrOverflow is reported when a subscriber fell too far behind.
var ErrOverflow = fmt.Errorf("change buffer overflow")

// Listener keeps collection subscriptions alive.
type Listener struct {
	store  Store
	config Config

	mu     sync.Mutex
	cancel map[int]context.CancelFunc
	nextID int
	wg     sync.WaitGroup
}

// NewListener creates a listener over store.
func NewListener(store Store, cfg Config) *Listener {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Listener{
		store:  store,
		config: cfg,
		cancel: make(map[int]context.CancelFunc),
	}
}

// Subscribe follows one collection of a family until ctx is cancelled or
// the returned function is called. onChange is called from a single
// goroutine, in order:
//
//  1. after every (re)connect, one Resync change per current record
//     followed by a BaselineDone marker
//  2. then every live change newer than what was already delivered
//
// Connection errors are retried forever with exponential backoff.
// The returned function blocks until the goroutine has exited.
func (l *Listener) Subscribe(ctx context.Context, collection, familyID string, onChange func(Change)) func() {
	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.cancel[id] = cancel
	l.mu.Unlock()

	done := make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(done)
		l.follow(ctx, collection, familyID, onChange)
	}()

	return func() {
		l.mu.Lock()
		delete(l.cancel, id)
		l.mu.Unlock()
		cancel()
		<-done
	}
}

// Close stops every subscription and waits for them to exit.
func (l *Listener) Close() {
	l.mu.Lock()
	for id, cancel := range l.cancel {
		cancel()
		delete(l.cancel, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Listener) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.InitialBackoff
	b.MaxInterval = l.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (l *Listener) follow(ctx context.Context, collection, familyID string, onChange func(Change)) {
	b := backoff.WithContext(l.newBackoff(), ctx)

	for {
		err := l.session(ctx, collection, familyID, onChange, b)
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return
		}
		l.config.Logger.Printf("Subscription %s/%s lost: %v (retrying in %v)", familyID, collection, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection: subscribe, deliver the baseline, then live
// changes until the subscription fails or ctx ends.
func (l *Listener) session(ctx context.Context, collection, familyID string, onChange func(Change), b backoff.BackOff) error {
	live := make(chan Change, l.config.Buffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once

	setupCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	sub, err := l.store.Subscribe(setupCtx, collection, familyID, func(c Change) {
		select {
		case live <- c:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	cancel()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	snapCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	snapshot, err := l.store.Snapshot(snapCtx, collection, familyID)
	cancel()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	delivered := make(map[string]int64, len(snapshot))
	for _, c := range snapshot {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Resync = true
		c.Collection = collection
		delivered[c.Op.RecordID] = c.Revision
		onChange(c)
	}
	onChange(Change{BaselineDone: true, Collection: collection})
	b.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case <-overflow:
			return ErrOverflow
		case c := <-live:
			if c.Revision <= delivered[c.Op.RecordID] {
				continue
			}
			delivered[c.Op.RecordID] = c.Revision
			c.Collection = collection
			onChange(c)
		}
	}
}

// IsBaseline reports whether c belongs to a baseline delivery.
func IsBaseline(c Change) bool {
	return c.Resync || c.BaselineDone
}

// stateChange turns a stored record into a baseline change.
func stateChange(rec *schema.RecordFile) Change {
	return Change{
		Op:       rec.StateOperation(),
		Revision: rec.Revision,
		State:    true,
	}
}

// deltaChange turns a stored record into a live change carrying the
// operation that produced it.
func deltaChange(rec *schema.RecordFile) Change {
	return Change{
		Op:       rec.Operation,
		Revision: rec.Revision,
	}
}
