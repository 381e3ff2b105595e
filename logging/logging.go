// Package logging builds the application logger and the raw traffic
// tracer.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mqttlens/config"
)

// New builds a zerolog logger writing human-readable lines to stderr and,
// when cfg.File is set, JSON lines to that file. The returned closer
// releases the file.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if name := strings.TrimSpace(cfg.Level); name != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(name))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		fl, err := NewFileLogger(cfg.File)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		writers = append(writers, fl)
		closer = fl
	}

	logger := zerolog.New(io.MultiWriter(writers...)).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// NewTracer opens the trace file named in cfg, or returns nil when tracing
// is off. A nil *Tracer is valid and discards everything.
func NewTracer(cfg config.LogConfig) (*Tracer, error) {
	if cfg.TraceFile == "" {
		return nil, nil
	}
	t, err := NewTraceLogger(cfg.TraceFile)
	if err != nil {
		return nil, err
	}
	t.SetFilter(cfg.TraceFilter)
	return t, nil
}

// Closers combines several closers into one, closing them in order.
type Closers []io.Closer

func (c Closers) Close() error {
	var errs []error
	for _, cl := range c {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
