// Package registry tracks which devices of a family are reachable.
//
// Each device publishes its own DeviceInfo into the reserved _presence
// collection of the backing store on every heartbeat. Peers learn about each
// other through the remote listener, which hands presence records to Observe.
// Liveness is derived from LastSeen: a peer not heard from within the liveness
// window is reported offline. Presence decays; nothing is ever deleted.
//
// The registry is advisory. Nothing in the sync path waits on it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Publisher writes presence records to the backing store.
type Publisher interface {
	Write(ctx context.Context, op *schema.Operation) error
}

// Config holds registry configuration.
type Config struct {
	// HeartbeatInterval is how often Run publishes presence.
	HeartbeatInterval time.Duration

	// LivenessWindow is how long after LastSeen a device counts as online.
	LivenessWindow time.Duration

	// IdleAfter switches self to idle after this long without Touch.
	IdleAfter time.Duration

	// Timeout bounds each presence write.
	Timeout time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		LivenessWindow:    60 * time.Second,
		IdleAfter:         5 * time.Minute,
		Timeout:           10 * time.Second,
		Logger:            log.New(os.Stderr, "[registry] ", log.LstdFlags),
		Now:               time.Now,
	}
}

// Registry owns this device's DeviceInfo and caches its peers.
type Registry struct {
	config    Config
	publisher Publisher
	store     *db.DB
	clock     *schema.Clock

	// pubMu orders presence writes so an offline record is never
	// overtaken by a heartbeat that started before it.
	pubMu sync.Mutex

	mu           sync.RWMutex
	self         schema.DeviceInfo
	registered   bool
	disconnected bool
	lastActivity time.Time
	peers        map[string]schema.DeviceInfo
}

// New creates a registry. store may be nil, in which case peers are not
// persisted across restarts.
func New(publisher Publisher, store *db.DB, clock *schema.Clock, cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = def.LivenessWindow
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if clock == nil {
		clock = schema.NewClock()
	}

	return &Registry{
		config:    cfg,
		publisher: publisher,
		store:     store,
		clock:     clock,
		peers:     make(map[string]schema.DeviceInfo),
	}
}

// NormalizeVersion returns v in canonical semver form ("1.2" -> "v1.2.0").
func NormalizeVersion(v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("app version is required")
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("app version %q is not valid semver", v)
	}
	return semver.Canonical(v), nil
}

// LoadCache restores previously seen peers from the local database.
func (r *Registry) LoadCache(ctx context.Context, familyID string) error {
	if r.store == nil {
		return nil
	}
	devices, err := r.store.ListDevices(ctx, familyID)
	if err != nil {
		return fmt.Errorf("failed to load device cache: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		if d.DeviceID == r.self.DeviceID {
			continue
		}
		r.peers[d.DeviceID] = *d
	}
	return nil
}

// RegisterSelf records this device's identity and publishes it.
// A failed publish is logged and the device stays registered but offline;
// the next heartbeat retries.
func (r *Registry) RegisterSelf(ctx context.Context, info schema.DeviceInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("invalid device info: %w", err)
	}
	version, err := NormalizeVersion(info.AppVersion)
	if err != nil {
		return err
	}

	now := r.config.Now().UTC()
	info.AppVersion = version
	info.Status = schema.DeviceActive
	info.LastSeen = now

	r.mu.Lock()
	r.self = info
	r.registered = true
	r.lastActivity = now
	r.mu.Unlock()

	if err := r.publish(ctx, info); err != nil {
		r.setSelfStatus(schema.DeviceOffline)
		r.config.Logger.Printf("Warning: initial presence publish failed: %v", err)
	}
	return nil
}

// Self returns this device's current DeviceInfo.
func (r *Registry) Self() schema.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// Touch records local activity, which keeps or brings the device active.
func (r *Registry) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = r.config.Now()
	if r.self.Status == schema.DeviceIdle {
		r.self.Status = schema.DeviceActive
	}
}

// SetOnline tells the registry whether the backing store is reachable.
// While disconnected, heartbeats are skipped so the device keeps the
// offline status published by MarkOffline.
func (r *Registry) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = !online
	if !online && r.registered {
		r.self.Status = schema.DeviceOffline
	}
}

// Heartbeat refreshes LastSeen and publishes presence. On failure the
// device marks itself offline locally and the error is returned as a
// TransientNetworkError; the next successful heartbeat brings it back.
// It does nothing while the registry is disconnected.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat before RegisterSelf")
	}
	if r.disconnected {
		r.mu.Unlock()
		return nil
	}
	now := r.config.Now().UTC()
	info := r.self
	info.LastSeen = now
	if now.Sub(r.lastActivity) >= r.config.IdleAfter {
		info.Status = schema.DeviceIdle
	} else {
		info.Status = schema.DeviceActive
	}
	r.mu.Unlock()

	if err := r.publish(ctx, info); err != nil {
		r.setSelfStatus(schema.DeviceOffline)
		return &schema.TransientNetworkError{Op: "heartbeat", Err: err}
	}

	r.mu.Lock()
	if !r.disconnected {
		r.self = info
	}
	r.mu.Unlock()
	return nil
}

// MarkOffline publishes an offline presence record. It is best effort: the
// local status is offline even when the publish fails.
func (r *Registry) MarkOffline(ctx context.Context) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return nil
	}
	r.self.Status = schema.DeviceOffline
	r.self.LastSeen = r.config.Now().UTC()
	info := r.self
	r.mu.Unlock()

	if err := r.publish(ctx, info); err != nil {
		return &schema.TransientNetworkError{Op: "mark offline", Err: err}
	}
	return nil
}

// Observe records a presence update from a peer. Updates older than what is
// cached are ignored, as are updates about this device.
func (r *Registry) Observe(info schema.DeviceInfo) bool {
	if info.Validate() != nil {
		return false
	}

	r.mu.Lock()
	if info.DeviceID == r.self.DeviceID {
		r.mu.Unlock()
		return false
	}
	if cur, ok := r.peers[info.DeviceID]; ok && cur.LastSeen.After(info.LastSeen) {
		r.mu.Unlock()
		return false
	}
	r.peers[info.DeviceID] = info
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertDevice(context.Background(), &info); err != nil {
			r.config.Logger.Printf("Warning: failed to cache device %s: %v", info.DeviceID, err)
		}
	}
	return true
}

// ListPeers returns the known devices of a family other than this one.
// Peers whose LastSeen is outside the liveness window are reported offline.
func (r *Registry) ListPeers(familyID string) []schema.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.config.Now()
	var out []schema.DeviceInfo
	for _, p := range r.peers {
		if p.FamilyID != familyID {
			continue
		}
		if !p.IsLive(now, r.config.LivenessWindow) {
			p.Status = schema.DeviceOffline
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// IsOnline reports whether deviceID is currently reachable.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if deviceID == r.self.DeviceID {
		return r.registered && r.self.Status != schema.DeviceOffline
	}
	p, ok := r.peers[deviceID]
	if !ok {
		return false
	}
	return p.IsLive(r.config.Now(), r.config.LivenessWindow)
}

// OutdatedPeers returns peers running an older app version than this device.
func (r *Registry) OutdatedPeers(familyID string) []schema.DeviceInfo {
	self := r.Self()
	var out []schema.DeviceInfo
	for _, p := range r.ListPeers(familyID) {
		v, err := NormalizeVersion(p.AppVersion)
		if err != nil {
			continue
		}
		if semver.Compare(v, self.AppVersion) < 0 {
			out = append(out, p)
		}
	}
	return out
}

// Run heartbeats every HeartbeatInterval until ctx is cancelled. Ticks
// that fall while the registry is disconnected are skipped.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.config.Logger.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}

// PresenceOperation wraps info as an operation on the presence collection.
func PresenceOperation(info schema.DeviceInfo, ts time.Time) (*schema.Operation, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal presence: %w", err)
	}
	return &schema.Operation{
		ID:             schema.NewOperationID(),
		Timestamp:      ts,
		Kind:           schema.OpUpdate,
		Collection:     schema.PresenceCollection,
		RecordID:       info.DeviceID,
		Payload:        payload,
		OriginDeviceID: info.DeviceID,
		FamilyID:       info.FamilyID,
	}, nil
}

// DecodePresence extracts the DeviceInfo carried by a presence operation.
func DecodePresence(op *schema.Operation) (*schema.DeviceInfo, error) {
	if op.Collection != schema.PresenceCollection {
		return nil, fmt.Errorf("operation %s is not a presence record", op.ID)
	}
	var info schema.DeviceInfo
	if err := json.Unmarshal(op.Payload, &info); err != nil {
		return nil, fmt.Errorf("failed to parse presence of %s: %w", op.RecordID, err)
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid presence of %s: %w", op.RecordID, err)
	}
	return &info, nil
}

func (r *Registry) publish(ctx context.Context, info schema.DeviceInfo) error {
	if r.store != nil {
		if err := r.store.UpsertDevice(ctx, &info); err != nil {
			r.config.Logger.Printf("Warning: failed to cache own presence: %v", err)
		}
	}
	if r.publisher == nil {
		return nil
	}

	op, err := PresenceOperation(info, r.clock.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	return r.publisher.Write(ctx, op)
}

func (r *Registry) setSelfStatus(s schema.DeviceStatus) {
	r.mu.Lock()
	r.self.Status = s
	r.mu.Unlock()
}
