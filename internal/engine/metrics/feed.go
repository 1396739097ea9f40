package metrics

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// FeedConfig holds event feed configuration.
type FeedConfig struct {
	// Window is the number of recent events retained for Recent.
	Window int

	// Buffer is the per-subscriber channel size. A subscriber that falls
	// further behind loses events instead of blocking the publisher.
	Buffer int

	Logger *log.Logger
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Window: 500,
		Buffer: 64,
		Logger: log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

type subscriber struct {
	ch   chan schema.Event
	once sync.Once
	done chan struct{}
}

// Feed is a rolling window of events with fan-out to subscribers.
type Feed struct {
	mu     sync.Mutex
	config FeedConfig
	ring   []schema.Event
	start  int
	size   int
	seq    uint64
	subs   map[int]*subscriber
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewFeed creates a feed.
func NewFeed(cfg FeedConfig) *Feed {
	def := DefaultFeedConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Feed{
		config: cfg,
		ring:   make([]schema.Event, cfg.Window),
		subs:   make(map[int]*subscriber),
	}
}

// Publish stamps ev with the next sequence number (and the current time if
// unset), retains it, and hands it to every subscriber without blocking.
func (f *Feed) Publish(ev schema.Event) schema.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	ev.Seq = f.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	idx := (f.start + f.size) % len(f.ring)
	f.ring[idx] = ev
	if f.size < len(f.ring) {
		f.size++
	} else {
		f.start = (f.start + 1) % len(f.ring)
	}

	if f.closed {
		return ev
	}
	for _, s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
	return ev
}

// Recent returns retained events newer than since, oldest first, keeping
// at most the last limit of them (0 means no limit).
func (f *Feed) Recent(since time.Time, limit int) []schema.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []schema.Event
	for i := 0; i < f.size; i++ {
		ev := f.ring[(f.start+i)%len(f.ring)]
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// After returns retained events with a sequence number greater than seq.
func (f *Feed) After(seq uint64) []schema.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []schema.Event
	for i := 0; i < f.size; i++ {
		ev := f.ring[(f.start+i)%len(f.ring)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe calls fn for every event published from now on, from a
// dedicated goroutine, in publish order. The returned function
// unsubscribes and returns once fn has seen every event it was handed; it
// is safe to call more than once but must not be called from fn.
func (f *Feed) Subscribe(fn func(schema.Event)) func() {
	s := &subscriber{
		ch:   make(chan schema.Event, f.config.Buffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.done)
		return func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = s
	f.mu.Unlock()

	go func() {
		defer close(s.done)
		for ev := range s.ch {
			fn(ev)
		}
	}()

	return func() {
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			s.once.Do(func() { close(s.ch) })
		}
		f.mu.Unlock()
		<-s.done
	}
}

// Dropped returns how many events were lost to full subscriber buffers.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close unsubscribes everyone and waits for their goroutines to finish
// delivering what they already received.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*subscriber, 0, len(f.subs))
	for id, s := range f.subs {
		delete(f.subs, id)
		s.once.Do(func() { close(s.ch) })
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}
