// Package coordinator runs the sync engine for one device of a family.
//
// A single loop goroutine owns conflicts, metrics and the sync state. The
// other workers (transmissions, one listener per collection, the heartbeat)
// never touch that state; they post messages to the loop. Detection and
// resolution are plain function calls inside the loop, so a remote change and
// a local acknowledgement on the same record can never race.
//
// Lifecycle:
//
//	c, _ := coordinator.New(store, database, cfg)
//	c.Start(ctx)
//	id, _ := c.SubmitMutation(ctx, "shopping", "item-1", schema.OpUpdate, payload)
//	...
//	c.Stop(ctx)
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthsync/hearth/internal/engine/conflict"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/metrics"
	"github.com/hearthsync/hearth/internal/engine/queue"
	"github.com/hearthsync/hearth/internal/engine/registry"
	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// ErrNotRunning is returned by calls that need the loop before Start or
// after Stop.
var ErrNotRunning = errors.New("coordinator is not running")

// Config holds coordinator configuration.
type Config struct {
	// Identity of this device.
	FamilyID     string
	DeviceID     string
	UserID       string
	Platform     string
	AppVersion   string
	Capabilities []string

	// Collections are the synced collections. Presence is always added.
	Collections []string

	// DefaultStrategy resolves conflicts automatically unless a collection
	// overrides it in Strategies. StrategyManual leaves them to a human.
	DefaultStrategy schema.Strategy
	Strategies      map[string]schema.Strategy

	// DeleteStrategy handles deleted_conflicts. Only local_wins,
	// remote_wins and manual make sense here.
	DeleteStrategy schema.Strategy

	// MaxInFlight bounds concurrent transmissions.
	MaxInFlight int

	// TransmitTimeout bounds each write to the backing store.
	TransmitTimeout time.Duration

	// AppliedRetention is how long remote operation IDs are remembered for
	// duplicate detection.
	AppliedRetention time.Duration

	Queue    queue.Config
	Listener remote.Config
	Registry registry.Config
	Metrics  metrics.RecorderConfig
	Feed     metrics.FeedConfig

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults. Identity and collections must
// still be filled in.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:  schema.StrategyLastWriterWins,
		DeleteStrategy:   schema.StrategyManual,
		MaxInFlight:      4,
		TransmitTimeout:  10 * time.Second,
		AppliedRetention: 30 * 24 * time.Hour,
		Queue:            queue.DefaultConfig(),
		Listener:         remote.DefaultConfig(),
		Registry:         registry.DefaultConfig(),
		Metrics:          metrics.DefaultRecorderConfig(),
		Feed:             metrics.DefaultFeedConfig(),
		Logger:           log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
		Now:              time.Now,
	}
}

func (cfg *Config) validate() error {
	if cfg.FamilyID == "" {
		return fmt.Errorf("family id is required")
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	for _, col := range cfg.Collections {
		if col == "" || col == schema.PresenceCollection {
			return fmt.Errorf("invalid collection name %q", col)
		}
	}
	if !cfg.DefaultStrategy.IsValid() {
		return fmt.Errorf("invalid default strategy %q", cfg.DefaultStrategy)
	}
	for col, s := range cfg.Strategies {
		if !s.IsValid() {
			return fmt.Errorf("invalid strategy %q for collection %s", s, col)
		}
	}
	switch cfg.DeleteStrategy {
	case schema.StrategyManual, schema.StrategyLocalWins, schema.StrategyRemoteWins:
	default:
		return fmt.Errorf("delete strategy must be manual, local_wins or remote_wins, got %q", cfg.DeleteStrategy)
	}
	return nil
}

// Coordinator is the sync engine of one device.
type Coordinator struct {
	config   Config
	db       *db.DB
	store    remote.Store
	clock    *schema.Clock
	queue    *queue.Queue
	listener *remote.Listener
	registry *registry.Registry
	resolver *conflict.Resolver
	recorder *metrics.Recorder
	feed     *metrics.Feed
	logger   *log.Logger

	msgs chan message

	// Owned by the loop goroutine.
	unresolved      map[string]*schema.Conflict
	byRecord        map[schema.RecordKey]string
	unechoed        map[schema.RecordKey][]schema.Operation
	inflight        int
	generation      int
	baselinePending map[string]bool
	subCancel       context.CancelFunc
	unsubs          []func()
	touched         bool

	mu      sync.RWMutex
	state   schema.SyncState
	online  bool
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
}

// New wires a coordinator over a backing store and a local database.
// The database schema must already be initialized.
func New(store remote.Store, database *db.DB, cfg Config) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.DeleteStrategy == "" {
		cfg.DeleteStrategy = def.DeleteStrategy
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.TransmitTimeout <= 0 {
		cfg.TransmitTimeout = def.TransmitTimeout
	}
	if cfg.AppliedRetention <= 0 {
		cfg.AppliedRetention = def.AppliedRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if store == nil || database == nil {
		return nil, fmt.Errorf("store and database are required")
	}

	clock := schema.NewClockWithSource(cfg.Now)

	qcfg := cfg.Queue
	qcfg.FamilyID = cfg.FamilyID
	if qcfg.Now == nil {
		qcfg.Now = cfg.Now
	}
	if qcfg.Logger == nil {
		qcfg.Logger = cfg.Logger
	}

	rcfg := cfg.Registry
	if rcfg.Now == nil {
		rcfg.Now = cfg.Now
	}
	if rcfg.Logger == nil {
		rcfg.Logger = cfg.Logger
	}

	lcfg := cfg.Listener
	if lcfg.Logger == nil {
		lcfg.Logger = cfg.Logger
	}
	if lcfg.Timeout <= 0 {
		lcfg.Timeout = cfg.TransmitTimeout
	}

	mcfg := cfg.Metrics
	mcfg.FamilyID = cfg.FamilyID
	mcfg.DeviceID = cfg.DeviceID

	fcfg := cfg.Feed
	if fcfg.Logger == nil {
		fcfg.Logger = cfg.Logger
	}

	resolver := conflict.NewResolver(cfg.DeviceID)
	resolver.Now = cfg.Now

	return &Coordinator{
		config:     cfg,
		db:         database,
		store:      store,
		clock:      clock,
		queue:      queue.NewWithConfig(database, qcfg),
		listener:   remote.NewListener(store, lcfg),
		registry:   registry.New(store, database, clock, rcfg),
		resolver:   resolver,
		recorder:   metrics.NewRecorder(mcfg),
		feed:       metrics.NewFeed(fcfg),
		logger:     cfg.Logger,
		msgs:       make(chan message, 256),
		unresolved: make(map[string]*schema.Conflict),
		byRecord:   make(map[schema.RecordKey]string),
		unechoed:   make(map[schema.RecordKey][]schema.Operation),
		state:      schema.StateIdle,
		online:     true,
	}, nil
}

// Start restores persisted state, registers the device and starts the
// workers. The coordinator starts online.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.mu.Unlock()

	if err := c.queue.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	open, err := c.db.ListConflicts(ctx, c.config.FamilyID, schema.StatusUnresolved)
	if err != nil {
		return fmt.Errorf("failed to restore conflicts: %w", err)
	}
	for _, cf := range open {
		c.track(cf)
	}

	if n, err := c.db.PruneApplied(ctx, c.config.Now().Add(-c.config.AppliedRetention)); err != nil {
		c.logger.Printf("Warning: failed to prune applied operations: %v", err)
	} else if n > 0 {
		c.logger.Printf("Pruned %d applied operation IDs", n)
	}

	if err := c.registry.LoadCache(ctx, c.config.FamilyID); err != nil {
		c.logger.Printf("Warning: %v", err)
	}
	self := schema.DeviceInfo{
		DeviceID:     c.config.DeviceID,
		FamilyID:     c.config.FamilyID,
		Platform:     c.config.Platform,
		AppVersion:   c.config.AppVersion,
		Capabilities: c.config.Capabilities,
	}
	if self.AppVersion == "" {
		self.AppVersion = "v0.0.0"
	}
	if err := c.registry.RegisterSelf(ctx, self); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.group = g
	c.done = make(chan struct{})
	online := c.online
	c.mu.Unlock()

	if online {
		c.subscribeAll(gctx)
	}

	g.Go(func() error {
		defer close(c.done)
		return c.loop(gctx)
	})
	g.Go(func() error {
		return c.registry.Run(gctx)
	})

	live, dead := c.queue.Len()
	c.logger.Printf("Started %s/%s: %d collections, %d pending ops (%d dead), %d unresolved conflicts",
		c.config.FamilyID, c.config.DeviceID, len(c.config.Collections), live, dead, len(c.unresolved))
	return nil
}

// Stop cancels subscriptions, waits for the workers, and marks the device
// offline best effort. It does not close the database.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	cancel()
	err := g.Wait()

	offCtx, offCancel := context.WithTimeout(ctx, c.config.TransmitTimeout)
	if offErr := c.registry.MarkOffline(offCtx); offErr != nil {
		c.logger.Printf("Warning: could not publish offline status: %v", offErr)
	}
	offCancel()

	c.listener.Close()
	c.feed.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loop is the only goroutine that touches conflicts, metrics and state.
func (c *Coordinator) loop(ctx context.Context) error {
	defer c.unsubscribeAll()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		c.drain(ctx)
		c.evaluate()
		c.armTimer(timer)

		select {
		case <-ctx.Done():
			return nil
		case m := <-c.msgs:
			c.handle(ctx, m)
		case <-c.queue.Notify():
		case <-timer.C:
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case submitMsg:
		m.reply <- c.handleSubmit(ctx, m.op)
	case remoteMsg:
		c.handleRemote(ctx, m)
	case txResult:
		c.handleTx(ctx, m)
	case resolveMsg:
		ok, err := c.handleResolve(ctx, m.conflictID, m.req)
		m.reply <- resolveReply{ok: ok, err: err}
	case connectivityMsg:
		c.handleConnectivity(ctx, m.online)
	}
}

// send hands m to the loop.
func (c *Coordinator) send(ctx context.Context, m message) error {
	c.mu.RLock()
	running, done := c.running, c.done
	c.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case c.msgs <- m:
		return nil
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// armTimer wakes the loop when the next backed-off operation becomes due.
func (c *Coordinator) armTimer(timer *time.Timer) {
	next, ok := c.queue.NextDue()
	if !ok {
		timer.Stop()
		return
	}
	d := next.Sub(c.config.Now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	timer.Reset(d)
}

// evaluate moves the state machine after every handled message.
//
//	Idle -> Syncing            work is pending, in flight, or a remote change arrived
//	Syncing -> Synced -> Idle  the queue drained with no unresolved conflict
//	Syncing -> Error           an operation was dead-lettered (set in handleTx)
//	Error -> Idle              the remaining work settled
//	* -> Conflicted            an unresolved conflict exists
//	Conflicted -> Syncing      the last conflict left unresolved
func (c *Coordinator) evaluate() {
	live, dead := c.queue.Len()
	c.recorder.SetQueueDepth(live, dead)
	c.recorder.SetDropped(c.feed.Dropped())

	if len(c.unresolved) > 0 {
		c.setState(schema.StateConflicted)
		c.touched = false
		return
	}

	online := c.isOnline()
	busy := c.inflight > 0 || (online && live > 0) || c.touched
	c.touched = false

	state := c.State()
	switch {
	case busy && state != schema.StateError:
		c.setState(schema.StateSyncing)
		if c.inflight == 0 && (!online || live == 0) {
			c.setState(schema.StateSynced)
			c.setState(schema.StateIdle)
		}
	case busy:
		// Stay in Error until the remaining work settles.
	case state == schema.StateSyncing || state == schema.StateConflicted:
		c.setState(schema.StateSynced)
		c.setState(schema.StateIdle)
	case state == schema.StateError || state == schema.StateSynced:
		c.setState(schema.StateIdle)
	}
}

func (c *Coordinator) setState(s schema.SyncState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}

	c.recorder.SetState(s)
	c.emit(schema.EventStateChanged, schema.ModuleCoordinator, string(s), map[string]any{
		"from": string(prev),
		"to":   string(s),
	})
}

// State returns the current sync state.
func (c *Coordinator) State() schema.SyncState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) isOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// Online reports whether the coordinator currently considers itself connected.
func (c *Coordinator) Online() bool {
	return c.isOnline()
}

// SetOnline reports a connectivity change. Going offline stops subscriptions
// and transmissions; coming back resubscribes, and local operations wait
// until every collection has delivered its baseline.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) error {
	return c.send(ctx, connectivityMsg{online: online})
}

func (c *Coordinator) handleConnectivity(ctx context.Context, online bool) {
	if c.isOnline() == online {
		return
	}

	c.registry.SetOnline(online)
	c.mu.Lock()
	c.online = online
	g := c.group
	c.mu.Unlock()

	status := "offline"
	if online {
		status = "online"
		c.subscribeAll(ctx)
		g.Go(func() error {
			if err := c.registry.Heartbeat(ctx); err != nil {
				c.logger.Printf("Heartbeat after reconnect failed: %v", err)
			}
			return nil
		})
	} else {
		c.unsubscribeAll()
		g.Go(func() error {
			offCtx, cancel := context.WithTimeout(ctx, c.config.TransmitTimeout)
			defer cancel()
			if err := c.registry.MarkOffline(offCtx); err != nil {
				c.logger.Printf("Offline status not published: %v", err)
			}
			return nil
		})
	}

	c.logger.Printf("Connectivity: %s", status)
	c.emit(schema.EventConnectivity, schema.ModuleCoordinator, status, nil)
}

func (c *Coordinator) emit(t schema.EventType, module, status string, data map[string]any) {
	c.feed.Publish(schema.Event{
		Type:     t,
		Module:   module,
		DeviceID: c.config.DeviceID,
		UserID:   c.config.UserID,
		Status:   status,
		Data:     data,
	})
}

func (c *Coordinator) recordError(opID, conflictID string, err error) {
	c.recorder.RecordError(schema.ErrorEntry{
		Time:        c.config.Now().UTC(),
		OperationID: opID,
		ConflictID:  conflictID,
		Message:     err.Error(),
	})
}

// Subscribe delivers every event from now on to fn. It is the way outside
// code learns sync outcomes.
func (c *Coordinator) Subscribe(fn func(schema.Event)) func() {
	return c.feed.Subscribe(fn)
}

// RecentEvents returns retained events newer than since.
func (c *Coordinator) RecentEvents(since time.Time, limit int) []schema.Event {
	return c.feed.Recent(since, limit)
}

// EventsAfter returns retained events with a sequence number above seq.
func (c *Coordinator) EventsAfter(seq uint64) []schema.Event {
	return c.feed.After(seq)
}

// Metrics returns a snapshot of the sync counters.
func (c *Coordinator) Metrics() schema.SyncMetrics {
	m := c.recorder.Snapshot()
	m.DroppedEvents = c.feed.Dropped()
	return m
}

// Self returns this device's registry entry.
func (c *Coordinator) Self() schema.DeviceInfo {
	return c.registry.Self()
}

// Peers returns the other known devices of the family.
func (c *Coordinator) Peers() []schema.DeviceInfo {
	return c.registry.ListPeers(c.config.FamilyID)
}

// OutdatedPeers returns peers running an older app version.
func (c *Coordinator) OutdatedPeers() []schema.DeviceInfo {
	return c.registry.OutdatedPeers(c.config.FamilyID)
}

// DeadLetters returns the parked operations.
func (c *Coordinator) DeadLetters() []db.PendingOp {
	return c.queue.DeadLetters()
}

// RetryDeadLetter moves a parked operation back into the live queue.
func (c *Coordinator) RetryDeadLetter(ctx context.Context, opID string) error {
	if err := c.queue.Revive(ctx, opID); err != nil {
		return err
	}
	c.logger.Printf("Revived operation %s", opID)
	c.emit(schema.EventOpRevived, schema.ModuleQueue, "pending", map[string]any{"operation_id": opID})
	return nil
}

// FamilyID returns the family this coordinator syncs.
func (c *Coordinator) FamilyID() string {
	return c.config.FamilyID
}

// Collections returns the synced collections.
func (c *Coordinator) Collections() []string {
	return append([]string(nil), c.config.Collections...)
}

func (c *Coordinator) syncs(collection string) bool {
	for _, col := range c.config.Collections {
		if col == collection {
			return true
		}
	}
	return false
}
