// Package loadtest drives several simulated devices of one family against a
// shared in-memory backing store.
//
// Every device runs a full coordinator on its own SQLite file. Devices write
// concurrently to a small set of shared records, so last-writer-wins
// conflicts are frequent; the run then waits until every device's local view
// matches the store again and reports submit latency and convergence.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthsync/hearth/internal/engine/coordinator"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Collection is the collection the simulated devices write to.
const Collection = "loadtest"

// Options configures a run.
type Options struct {
	Devices            int
	MutationsPerDevice int

	// Records is the number of shared records. Fewer records means more
	// contention and more conflicts.
	Records int

	// StoreLatency is added to every backing store write.
	StoreLatency time.Duration

	// Settle bounds the wait for convergence after the last submit.
	Settle time.Duration

	// Dir holds the per-device databases. It must exist.
	Dir string

	Seed   int64
	Logger *log.Logger
}

// DefaultOptions returns a small run that finishes in a few seconds.
func DefaultOptions() Options {
	return Options{
		Devices:            4,
		MutationsPerDevice: 50,
		Records:            10,
		StoreLatency:       2 * time.Millisecond,
		Settle:             30 * time.Second,
		Seed:               42,
	}
}

// LatencyStats captures latency percentiles of a set of calls.
type LatencyStats struct {
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration // Median
	P95      time.Duration
	P99      time.Duration
	TotalOps int
	Errors   int
}

// Report is the outcome of a run.
type Report struct {
	Submit *LatencyStats

	// AvgSync is the mean submit-to-acknowledgement time across devices.
	AvgSync time.Duration

	// Elapsed runs from the first concurrent submit until convergence.
	Elapsed   time.Duration
	Converged bool

	Conflicts   int64
	Resolved    int64
	DeadLetters int
}

// Cluster is a set of devices sharing one store.
type Cluster struct {
	Store   *remote.MemoryStore
	Devices []*coordinator.Coordinator
	dbs     []*db.DB
	logger  *log.Logger
}

// NewCluster starts opts.Devices coordinators.
func NewCluster(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Devices <= 0 || opts.Records <= 0 {
		return nil, fmt.Errorf("devices and records must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store := remote.NewMemoryStore()
	store.SetLatency(opts.StoreLatency)
	cl := &Cluster{Store: store, logger: logger}

	for i := 0; i < opts.Devices; i++ {
		deviceID := fmt.Sprintf("device-%02d", i)
		database, err := db.Open(filepath.Join(opts.Dir, deviceID+".db"))
		if err != nil {
			_ = cl.Close(ctx)
			return nil, fmt.Errorf("failed to open database for %s: %w", deviceID, err)
		}
		cl.dbs = append(cl.dbs, database)
		if err := database.InitSchemaContext(ctx); err != nil {
			_ = cl.Close(ctx)
			return nil, fmt.Errorf("failed to initialize schema for %s: %w", deviceID, err)
		}

		c, err := coordinator.New(store, database, deviceConfig(deviceID, logger))
		if err != nil {
			_ = cl.Close(ctx)
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = cl.Close(ctx)
			return nil, fmt.Errorf("failed to start %s: %w", deviceID, err)
		}
		cl.Devices = append(cl.Devices, c)
	}
	return cl, nil
}

func deviceConfig(deviceID string, logger *log.Logger) coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.FamilyID = "loadtest"
	cfg.DeviceID = deviceID
	cfg.Platform = "loadtest"
	cfg.AppVersion = "1.0.0"
	cfg.Collections = []string{Collection}
	cfg.DefaultStrategy = schema.StrategyLastWriterWins
	cfg.Logger = logger
	cfg.Queue.Logger = logger
	cfg.Queue.InitialBackoff = 10 * time.Millisecond
	cfg.Queue.MaxBackoff = 200 * time.Millisecond
	cfg.Listener.Logger = logger
	cfg.Registry.Logger = logger
	cfg.Feed.Logger = logger
	return cfg
}

// Close stops every device and closes its database.
func (cl *Cluster) Close(ctx context.Context) error {
	var firstErr error
	for _, c := range cl.Devices {
		if err := c.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, d := range cl.dbs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run seeds the shared records from the first device, waits until every
// device has them, then lets all devices write concurrently.
func (cl *Cluster) Run(ctx context.Context, opts Options) (*Report, error) {
	seeder := cl.Devices[0]
	for r := 0; r < opts.Records; r++ {
		payload := fmt.Sprintf(`{"value":0,"by":%q}`, seeder.Self().DeviceID)
		if _, err := seeder.SubmitMutation(ctx, Collection, recordID(r), schema.OpCreate, json.RawMessage(payload)); err != nil {
			return nil, fmt.Errorf("failed to seed record %d: %w", r, err)
		}
	}
	if ok, err := cl.WaitConverged(ctx, opts.Records, opts.Settle); err != nil || !ok {
		return nil, fmt.Errorf("seed records never reached every device (err: %v)", err)
	}

	start := time.Now()
	durations := make([][]time.Duration, len(cl.Devices))
	errs := make([]int, len(cl.Devices))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cl.Devices {
		i, c := i, c
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		g.Go(func() error {
			for j := 0; j < opts.MutationsPerDevice; j++ {
				payload := fmt.Sprintf(`{"value":%d,"by":%q}`, i*1_000_000+j, c.Self().DeviceID)
				t0 := time.Now()
				_, err := c.SubmitMutation(gctx, Collection, recordID(rng.Intn(opts.Records)), schema.OpUpdate, json.RawMessage(payload))
				durations[i] = append(durations[i], time.Since(t0))
				if err != nil {
					errs[i]++
					cl.logger.Printf("device %d mutation %d failed: %v", i, j, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []time.Duration
	errCount := 0
	for i := range durations {
		all = append(all, durations[i]...)
		errCount += errs[i]
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no mutations were submitted")
	}

	converged, err := cl.WaitConverged(ctx, opts.Records, opts.Settle)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Submit:    computeLatencyStats(all),
		Elapsed:   time.Since(start),
		Converged: converged,
	}
	report.Submit.Errors = errCount

	var syncSum time.Duration
	for _, c := range cl.Devices {
		m := c.Metrics()
		syncSum += m.AvgSyncTime
		report.Conflicts += m.ConflictCount
		report.Resolved += m.ResolvedCount
		report.DeadLetters += m.DeadLetters
	}
	report.AvgSync = syncSum / time.Duration(len(cl.Devices))
	return report, nil
}

// WaitConverged polls until Converged holds or timeout passes.
func (cl *Cluster) WaitConverged(ctx context.Context, records int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cl.Converged(ctx, records)
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Converged reports whether every device has drained its queue, has no
// open conflict, and holds exactly the store's state for every record.
func (cl *Cluster) Converged(ctx context.Context, records int) (bool, error) {
	for _, c := range cl.Devices {
		m := c.Metrics()
		if m.QueueDepth > 0 || m.State == schema.StateConflicted {
			return false, nil
		}
	}

	for r := 0; r < records; r++ {
		stored, ok := cl.Store.Record("loadtest", Collection, recordID(r))
		if !ok {
			return false, nil
		}
		for _, c := range cl.Devices {
			rec, err := c.Record(ctx, Collection, recordID(r))
			if err != nil {
				return false, err
			}
			if rec == nil || rec.Deleted != stored.Tombstone() || !schema.JSONEqual(rec.Data, stored.Data) {
				return false, nil
			}
		}
	}
	return true, nil
}

func recordID(n int) string {
	return fmt.Sprintf("rec-%03d", n)
}

// Run builds a cluster, runs it and tears it down.
func Run(ctx context.Context, opts Options) (*Report, error) {
	cl, err := NewCluster(ctx, opts)
	if err != nil {
		return nil, err
	}
	report, runErr := cl.Run(ctx, opts)
	closeErr := cl.Close(context.Background())
	if runErr != nil {
		return nil, runErr
	}
	return report, closeErr
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     sum / time.Duration(len(durations)),
		P50:      sorted[len(sorted)*50/100],
		P95:      sorted[len(sorted)*95/100],
		P99:      sorted[len(sorted)*99/100],
		TotalOps: len(durations),
	}
}

// Print formats the report.
func (r *Report) Print(w io.Writer) {
	s := r.Submit
	fmt.Fprintf(w, "Submit latency (%d ops, %d errors):\n", s.TotalOps, s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
	fmt.Fprintf(w, "Avg sync time:  %v\n", r.AvgSync)
	fmt.Fprintf(w, "Conflicts:      %d detected, %d resolved\n", r.Conflicts, r.Resolved)
	fmt.Fprintf(w, "Dead letters:   %d\n", r.DeadLetters)
	fmt.Fprintf(w, "Converged:      %v after %v\n", r.Converged, r.Elapsed.Round(time.Millisecond))
}
