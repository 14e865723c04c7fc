// Package log wires the agent's components to a single zerolog logger.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Buffer is the process-wide circular log tail backing POST /log, which
// replies with the most recent lines as a JSON array.
var Buffer = NewRingWriter(32 * 1024)

// RingWriter retains at most capacity bytes of the most recently written
// log lines, discarding whole lines from the front as it fills.
type RingWriter struct {
	mu       sync.Mutex
	capacity int
	lines    [][]byte
	size     int
}

// NewRingWriter creates a ring buffer capped at capacity bytes.
func NewRingWriter(capacity int) *RingWriter {
	return &RingWriter{capacity: capacity}
}

// Write appends p, treated as one log record, and evicts the oldest
// records until the buffer is back under capacity.
func (r *RingWriter) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	r.size += len(line)
	for r.size > r.capacity && len(r.lines) > 0 {
		r.size -= len(r.lines[0])
		r.lines = r.lines[1:]
	}
	return len(p), nil
}

// Lines returns the buffered records, oldest first, as strings.
func (r *RingWriter) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	for i, l := range r.lines {
		out[i] = string(l)
	}
	return out
}

// Level names accepted by Config.Level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, resolved from the binding probe's
// ochopod_debug flag (console writer) or its absence (JSON).
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. Safe to call once at process start.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var writer io.Writer
	if cfg.JSONOutput {
		writer = output
	} else {
		writer = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(zerolog.MultiLevelWriter(writer, Buffer)).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the emitting actor
// (binding, coordination, registry, election, watcher, reconciler,
// lifecycle, supervisor, api).
func WithComponent(component string) *zerolog.Logger {
	logger := Logger.With().Str("component", component).Logger()
	return &logger
}

// WithCluster returns a child logger tagged with the owning cluster key.
func WithCluster(cluster string) *zerolog.Logger {
	logger := Logger.With().Str("cluster", cluster).Logger()
	return &logger
}

// WithPod returns a child logger tagged with a pod's identity.
func WithPod(pod string) *zerolog.Logger {
	logger := Logger.With().Str("pod", pod).Logger()
	return &logger
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
