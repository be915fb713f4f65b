// Package logging builds the component loggers. Output goes to a rotating
// outcal.log in the data directory when debug is enabled and is discarded
// otherwise, so log lines never interleave with terminal output.
package logging

import (
	"io"
	"log"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FileName   = "outcal.log"
	MaxSizeMB  = 5
	MaxBackups = 3
)

// Sink owns the shared log writer.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return &Sink{w: io.Discard}
}

// Open returns a sink writing to dataDir/outcal.log when debug is true.
func Open(dataDir string, debug bool) *Sink {
	if !debug {
		return Discard()
	}
	path := filepath.Join(dataDir, FileName)
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
	}
	return &Sink{w: lj, closer: lj, path: path}
}

// ToWriter returns a sink writing to w. Used by tests.
func ToWriter(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Path is the log file path, empty when logging is off.
func (s *Sink) Path() string {
	return s.path
}

// Enabled reports whether anything is written.
func (s *Sink) Enabled() bool {
	return s.w != io.Discard
}

// Write implements io.Writer. Writes from different loggers are serialized.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// New returns a logger for component with the "[component] " prefix.
func (s *Sink) New(component string) *log.Logger {
	return log.New(s, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closer.Close()
}
