package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFor_WritesPrefixedLines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File = filepath.Join(t.TempDir(), "logs", "hearth.log")
	cfg.Foreground = false
	cfg.Flags = 0

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	l.For("queue").Printf("enqueued %s", "op-1")
	l.For("listener").Print("subscribed")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	got := string(data)
	for _, want := range []string{"[queue] enqueued op-1\n", "[listener] subscribed\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("log file missing %q, got:\n%s", want, got)
		}
	}
}

func TestNew_StderrOnly(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if l.Writer() != os.Stderr {
		t.Error("Expected stderr destination without a file")
	}
	if err := l.Rotate(); err != nil {
		t.Errorf("Rotate() without file failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() without file failed: %v", err)
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.File = filepath.Join(dir, "hearth.log")
	cfg.Foreground = false
	cfg.Compress = false

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer l.Close()

	l.For("test").Print("before")
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	l.For("test").Print("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected current file plus one backup, got %d entries", len(entries))
	}
}
