package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-14T10:00:00Z", time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)},
		{"15m", now.Add(-15 * time.Minute)},
		{"-2h", now.Add(-2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	got, err := parseSince("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseSince() natural language failed: %v", err)
	}
	if d := now.Sub(got); d < 119*time.Minute || d > 121*time.Minute {
		t.Errorf("parseSince(\"2 hours ago\") = %v, want about 2h before %v", got, now)
	}

	if _, err := parseSince("no time here", now); err == nil {
		t.Error("Expected an error for unparseable input")
	}
}

func TestFilterEvents(t *testing.T) {
	events := []schema.Event{
		{Seq: 1, Type: schema.EventOpEnqueued},
		{Seq: 2, Type: schema.EventConflictDetected},
		{Seq: 3, Type: schema.EventOpAcknowledged},
	}

	if got := filterEvents(events, nil); len(got) != 3 {
		t.Errorf("Expected no filtering, got %d events", len(got))
	}
	got := filterEvents(events, []string{"conflict_detected", "op_acknowledged"})
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("Unexpected filter result %+v", got)
	}
}

func TestIsOutdated(t *testing.T) {
	tests := []struct {
		peer, self string
		want       bool
	}{
		{"0.9.0", "v1.0.0", true},
		{"v1.0.0", "v1.0.0", false},
		{"1.2", "v1.0.0", false},
		{"garbage", "v1.0.0", false},
	}
	for _, tt := range tests {
		if got := isOutdated(tt.peer, tt.self); got != tt.want {
			t.Errorf("isOutdated(%q, %q) = %v, want %v", tt.peer, tt.self, got, tt.want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(schema.Event{
		Seq:       7,
		Type:      schema.EventOpAcknowledged,
		Module:    schema.ModuleQueue,
		Data:      map[string]any{"record_id": "milk", "collection": "shopping"},
		Timestamp: time.Now(),
	})
	for _, want := range []string{"op_acknowledged", "queue", "collection=shopping record_id=milk"} {
		if !strings.Contains(line, want) {
			t.Errorf("formatEvent() = %q, missing %q", line, want)
		}
	}
}

func TestClient_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conflict already resolved"}`))
	}))
	defer ts.Close()

	c := &client{base: ts.URL, http: ts.Client()}
	err := c.post(context.Background(), "/conflicts/x/resolve", map[string]string{"strategy": "merge"}, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "conflict already resolved" {
		t.Errorf("Unexpected error %+v", apiErr)
	}

	// A port nobody listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	down := &client{base: "http://" + addr, http: &http.Client{Timeout: time.Second}}
	if err := down.get(context.Background(), "/health", nil, nil); !errors.Is(err, errDaemonDown) {
		t.Errorf("Expected errDaemonDown, got %v", err)
	}
	if got := down.wsURL(); got != "ws://"+addr+"/ws" {
		t.Errorf("wsURL() = %q", got)
	}
}
