package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Engine is the part of the sync coordinator the dashboard serves.
type Engine interface {
	FamilyID() string
	Self() schema.DeviceInfo
	Peers() []schema.DeviceInfo
	State() schema.SyncState
	Online() bool
	Metrics() schema.SyncMetrics

	Subscribe(fn func(schema.Event)) func()
	RecentEvents(since time.Time, limit int) []schema.Event

	SubmitMutation(ctx context.Context, collection, recordID string, kind schema.OpKind, payload json.RawMessage) (string, error)
	Record(ctx context.Context, collection, recordID string) (*db.Record, error)

	ListUnresolvedConflicts(ctx context.Context, familyID string) ([]*schema.Conflict, error)
	ResolveConflict(ctx context.Context, conflictID string, req schema.ResolutionRequest) (bool, error)

	DeadLetters() []db.PendingOp
	RetryDeadLetter(ctx context.Context, opID string) error
}

// Handler forwards engine events to the WebSocket clients of a server.
type Handler struct {
	server *Server
	engine Engine
	logger *log.Logger
	unsub  func()
}

// NewHandler creates a handler feeding server from engine's event feed.
func NewHandler(server *Server, engine Engine, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{server: server, engine: engine, logger: logger}
}

// Attach starts forwarding. Events arrive in feed order.
func (h *Handler) Attach() {
	if h.unsub != nil {
		return
	}
	h.unsub = h.engine.Subscribe(h.OnEvent)
}

// Detach stops forwarding.
func (h *Handler) Detach() {
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
}

// OnEvent broadcasts one feed event, followed by a metrics snapshot when
// the sync state moved and by the peer list when presence changed.
func (h *Handler) OnEvent(ev schema.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event %d: %v", ev.Seq, err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeEvent, Timestamp: ev.Timestamp, Data: data})

	switch ev.Type {
	case schema.EventStateChanged, schema.EventConflictDetected, schema.EventConflictResolved, schema.EventOpDeadLettered:
		h.broadcastMetrics()
	case schema.EventDeviceSeen:
		h.broadcastDevices()
	}
}

func (h *Handler) broadcastMetrics() {
	msg, err := metricsMessage(h.engine)
	if err != nil {
		h.logger.Printf("Failed to marshal metrics: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) broadcastDevices() {
	data, err := json.Marshal(h.engine.Peers())
	if err != nil {
		h.logger.Printf("Failed to marshal devices: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeDevices, Timestamp: time.Now().UTC(), Data: data})
}

func metricsMessage(e Engine) (Message, error) {
	data, err := json.Marshal(e.Metrics())
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeMetrics, Timestamp: time.Now().UTC(), Data: data}, nil
}
