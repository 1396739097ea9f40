// Package logging builds the per-component loggers used across hearth.
//
// Every component logs through a plain *log.Logger whose prefix names it,
// e.g. "[queue] ". When a log file is configured the output goes through a
// rotating lumberjack writer; in foreground mode it is also copied to stderr.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// File is the log file path. Empty logs to stderr only.
	File string

	// Rotation limits for File.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Foreground copies file output to stderr as well.
	Foreground bool

	// Flags are the standard log flags.
	Flags int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
		Foreground: true,
		Flags:      log.LstdFlags,
	}
}

// Logging hands out component loggers sharing one destination.
type Logging struct {
	out   io.Writer
	file  *lumberjack.Logger
	flags int
}

// New creates the shared destination described by cfg.
func New(cfg Config) (*Logging, error) {
	l := &Logging{out: os.Stderr, flags: cfg.Flags}
	if cfg.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	l.file = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.out = l.file
	if cfg.Foreground {
		l.out = io.MultiWriter(l.file, os.Stderr)
	}
	return l, nil
}

// For returns a logger prefixed with "[component] ".
func (l *Logging) For(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", l.flags)
}

// Writer is the shared destination.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Rotate closes the current file and starts a new one.
func (l *Logging) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close flushes and closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
