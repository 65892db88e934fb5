// Package logging builds the per-component loggers used across chatsync.
//
// Every component logs through a stdlib *log.Logger with a bracketed
// prefix such as "[sync] ". The shared writer is stderr or a size-rotated
// file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lumen-chat/chatsync/internal/config"
)

// Sink is the destination shared by all component loggers.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// NewSink opens the writer described by cfg. With no file configured it
// writes to stderr.
func NewSink(cfg config.LogConfig) (*Sink, error) {
	if cfg.File == "" {
		return &Sink{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
	}
	var w io.Writer = rotator
	if cfg.Stderr {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return &Sink{w: w, closer: rotator}, nil
}

// WriterSink wraps an existing writer.
func WriterSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Logger returns a logger for component, prefixed "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return New(s.w, component)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// New returns a logger writing to w with a "[component] " prefix.
func New(w io.Writer, component string) *log.Logger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return log.New(w, prefix, log.LstdFlags)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
