package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// MutationRequest is the body of POST /mutations.
type MutationRequest struct {
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Kind       schema.OpKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DeadLetter is the JSON form of a parked operation.
type DeadLetter struct {
	Operation schema.Operation `json:"operation"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	QueuedAt  time.Time        `json:"queued_at"`
}

// Health is the body of GET /health.
type Health struct {
	Status   string           `json:"status"`
	Clients  int              `json:"clients"`
	State    schema.SyncState `json:"state"`
	Online   bool             `json:"online"`
	DeviceID string           `json:"device_id"`
	FamilyID string           `json:"family_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:   "ok",
		Clients:  s.ClientCount(),
		State:    s.engine.State(),
		Online:   s.engine.Online(),
		DeviceID: s.engine.Self().DeviceID,
		FamilyID: s.engine.FamilyID(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	peers := s.engine.Peers()
	if peers == nil {
		peers = []schema.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"self":  s.engine.Self(),
		"peers": peers,
	})
}

// handleEvents serves GET /events?since=<RFC3339>&limit=<n>.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events := s.engine.RecentEvents(since, limit)
	if events == nil {
		events = []schema.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	if family == "" {
		family = s.engine.FamilyID()
	}
	conflicts, err := s.engine.ListUnresolvedConflicts(r.Context(), family)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conflicts == nil {
		conflicts = []*schema.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req schema.ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.Strategy.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown strategy "+strconv.Quote(string(req.Strategy)))
		return
	}

	id := r.PathValue("id")
	ok, err := s.engine.ResolveConflict(r.Context(), id, req)
	if err != nil {
		writeError(w, resolveStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict_id": id, "resolved": ok})
}

func resolveStatus(err error) int {
	var rf *schema.ResolutionFailure
	switch {
	case errors.Is(err, schema.ErrConflictNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, schema.ErrStrategyNotApplicable),
		errors.Is(err, schema.ErrManualResolution),
		errors.As(err, &rf):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.Kind.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown kind "+strconv.Quote(string(req.Kind)))
		return
	}

	id, err := s.engine.SubmitMutation(r.Context(), req.Collection, req.RecordID, req.Kind, req.Payload)
	if err != nil {
		var pf *schema.PersistenceFailure
		if errors.As(err, &pf) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	out := []DeadLetter{}
	for _, p := range s.engine.DeadLetters() {
		out = append(out, DeadLetter{
			Operation: p.Op,
			Attempts:  p.Attempts,
			LastError: p.LastError,
			QueuedAt:  p.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.RetryDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, schema.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Record(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
