package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

func TestShouldUseColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR should win over CLICOLOR_FORCE")
	}

	t.Setenv("NO_COLOR", "")
	if !ShouldUseColor() {
		t.Error("CLICOLOR_FORCE should enable color")
	}
}

func TestRenderPlainProfile(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	tests := []struct {
		got  string
		want string
	}{
		{RenderState(schema.StateSynced), "synced"},
		{RenderState(schema.StateConflicted), "conflicted"},
		{RenderStatus(schema.DeviceIdle), "idle"},
		{RenderCategory("peers"), "PEERS"},
		{RenderPass("ok"), "ok"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
	if !strings.Contains(RenderSeparator(), "─") {
		t.Error("separator lost its characters")
	}
}

func TestTerminalWidthFallback(t *testing.T) {
	if IsTTY() {
		t.Skip("stdout is a terminal")
	}
	if w := TerminalWidth(80); w != 80 {
		t.Errorf("TerminalWidth() = %d, want fallback 80", w)
	}
}
