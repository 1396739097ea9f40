// Package metrics keeps the sync engine's counters and its event feed.
//
// The Recorder is written only by the coordinator loop and read by anyone
// through Snapshot. Every update is mirrored into OpenTelemetry instruments;
// without an installed meter provider those are no-ops.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

const scopeName = "github.com/hearthsync/hearth/engine"

// RecorderConfig holds recorder configuration.
type RecorderConfig struct {
	// MaxErrors bounds the retained error list. Oldest entries go first.
	MaxErrors int

	// Meter receives the mirrored instruments. Defaults to the global meter.
	Meter metric.Meter

	// FamilyID and DeviceID are attached to every instrument update.
	FamilyID string
	DeviceID string
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{MaxErrors: 50}
}

// Recorder aggregates SyncMetrics.
type Recorder struct {
	mu      sync.RWMutex
	m       schema.SyncMetrics
	total   time.Duration
	maxErrs int
	attrs   metric.MeasurementOption

	syncs     metric.Int64Counter
	syncTime  metric.Float64Histogram
	conflicts metric.Int64Counter
	resolved  metric.Int64Counter
	errs      metric.Int64Counter
	depth     metric.Int64Gauge
	dead      metric.Int64Gauge
}

// NewRecorder creates a recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultRecorderConfig().MaxErrors
	}
	m := cfg.Meter
	if m == nil {
		m = otel.Meter(scopeName)
	}

	r := &Recorder{
		m:       schema.SyncMetrics{State: schema.StateIdle},
		maxErrs: cfg.MaxErrors,
		attrs: metric.WithAttributes(
			attribute.String("hearth.family", cfg.FamilyID),
			attribute.String("hearth.device", cfg.DeviceID),
		),
	}

	// Creation errors only come from invalid names; nil instruments are skipped.
	r.syncs, _ = m.Int64Counter("hearth.sync.operations",
		metric.WithDescription("Operations acknowledged by the backing store"))
	r.syncTime, _ = m.Float64Histogram("hearth.sync.duration",
		metric.WithDescription("Time from enqueue to acknowledgement in milliseconds"),
		metric.WithUnit("ms"))
	r.conflicts, _ = m.Int64Counter("hearth.conflicts.detected",
		metric.WithDescription("Conflicts detected"))
	r.resolved, _ = m.Int64Counter("hearth.conflicts.resolved",
		metric.WithDescription("Conflicts resolved"))
	r.errs, _ = m.Int64Counter("hearth.errors",
		metric.WithDescription("Sync errors"))
	r.depth, _ = m.Int64Gauge("hearth.queue.depth",
		metric.WithDescription("Live operations in the local queue"))
	r.dead, _ = m.Int64Gauge("hearth.queue.dead_letters",
		metric.WithDescription("Dead-lettered operations"))

	return r
}

// RecordSync counts an acknowledged operation that took d from enqueue to ack.
func (r *Recorder) RecordSync(d time.Duration, at time.Time) {
	r.mu.Lock()
	r.m.SyncCount++
	r.total += d
	r.m.AvgSyncTime = r.total / time.Duration(r.m.SyncCount)
	r.m.LastSuccessfulSync = at
	r.mu.Unlock()

	ctx := context.Background()
	if r.syncs != nil {
		r.syncs.Add(ctx, 1, r.attrs)
	}
	if r.syncTime != nil {
		r.syncTime.Record(ctx, float64(d.Milliseconds()), r.attrs)
	}
}

// RecordConflict counts a newly detected conflict.
func (r *Recorder) RecordConflict(t schema.ConflictType) {
	r.mu.Lock()
	r.m.ConflictCount++
	r.mu.Unlock()

	if r.conflicts != nil {
		r.conflicts.Add(context.Background(), 1, r.attrs,
			metric.WithAttributes(attribute.String("hearth.conflict.type", string(t))))
	}
}

// RecordResolved counts a conflict leaving the unresolved state.
func (r *Recorder) RecordResolved(s schema.Strategy) {
	r.mu.Lock()
	r.m.ResolvedCount++
	r.mu.Unlock()

	if r.resolved != nil {
		r.resolved.Add(context.Background(), 1, r.attrs,
			metric.WithAttributes(attribute.String("hearth.strategy", string(s))))
	}
}

// RecordError retains e, evicting the oldest entry beyond MaxErrors.
func (r *Recorder) RecordError(e schema.ErrorEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	r.mu.Lock()
	r.m.Errors = append(r.m.Errors, e)
	if over := len(r.m.Errors) - r.maxErrs; over > 0 {
		r.m.Errors = append([]schema.ErrorEntry(nil), r.m.Errors[over:]...)
	}
	r.mu.Unlock()

	if r.errs != nil {
		r.errs.Add(context.Background(), 1, r.attrs)
	}
}

// SetQueueDepth records the live and dead-lettered queue sizes.
func (r *Recorder) SetQueueDepth(live, dead int) {
	r.mu.Lock()
	r.m.QueueDepth = live
	r.m.DeadLetters = dead
	r.mu.Unlock()

	ctx := context.Background()
	if r.depth != nil {
		r.depth.Record(ctx, int64(live), r.attrs)
	}
	if r.dead != nil {
		r.dead.Record(ctx, int64(dead), r.attrs)
	}
}

// SetState records the coordinator state.
func (r *Recorder) SetState(s schema.SyncState) {
	r.mu.Lock()
	r.m.State = s
	r.mu.Unlock()
}

// SetDropped records how many feed events slow subscribers missed.
func (r *Recorder) SetDropped(n int64) {
	r.mu.Lock()
	r.m.DroppedEvents = n
	r.mu.Unlock()
}

// Snapshot returns a copy of the current metrics.
func (r *Recorder) Snapshot() schema.SyncMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.m
	m.Errors = append([]schema.ErrorEntry(nil), r.m.Errors...)
	return m
}
