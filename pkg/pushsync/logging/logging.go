// Package logging provides component loggers with rotation support for
// pushsync. Server, client, and restore runs share this package.
//
// Basic usage:
//
//	if err := logging.Init(logging.DefaultConfig()); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	logging.Get("server").Info("listening", "addr", ":8765")
//
// Components accept a Sink at construction. Get is only the default
// source for one; nothing requires the shared state.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// Sink is the logging surface the sync engine depends on.
type Sink interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Level is a charmbracelet/log level.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

// ErrInvalidLevel is returned when an invalid log level string is provided.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	switch name {
	case "debug", "info", "warn", "error":
		lvl, err := log.ParseLevel(name)
		if err == nil {
			return lvl, nil
		}
	}
	return LevelInfo, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
}

// Config configures the logging system.
type Config struct {
	// Level is the default log level.
	Level string

	// Path is the log file. Empty uses DefaultLogPath().
	Path string

	Rotation RotationConfig

	// Components overrides Level per component name.
	Components map[string]string

	// ConsoleLevel enables stderr output at that level. Empty disables it.
	ConsoleLevel string
}

// outputs are the charm loggers behind a component. Init swaps them in
// place so loggers handed out earlier follow the new configuration.
type outputs struct {
	mu      sync.RWMutex
	file    *log.Logger
	console *log.Logger
}

func (o *outputs) get() (*log.Logger, *log.Logger) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.file, o.console
}

func (o *outputs) set(file, console *log.Logger) {
	o.mu.Lock()
	o.file, o.console = file, console
	o.mu.Unlock()
}

// Logger writes to the log file and optionally the console. Loggers
// derived with With share their parent's outputs.
type Logger struct {
	component string
	out       *outputs
	fields    []interface{}
}

var _ Sink = (*Logger)(nil)

func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args) }

func (l *Logger) log(level Level, msg string, args []interface{}) {
	kv := args
	if len(l.fields) > 0 {
		kv = make([]interface{}, 0, len(l.fields)+len(args))
		kv = append(kv, l.fields...)
		kv = append(kv, args...)
	}
	file, console := l.out.get()
	file.Log(level, msg, kv...)
	if console != nil {
		console.Log(level, msg, kv...)
	}
}

// With returns a logger that adds args to every entry.
func (l *Logger) With(args ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{component: l.component, out: l.out, fields: fields}
}

// Component returns the component name the logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// New returns a standalone logger writing to w. It is not registered in
// the shared state.
func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		component: component,
		out:       &outputs{file: fileLogger(w, component, level)},
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, "", LevelError)
}

func fileLogger(w io.Writer, component string, level Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          component,
	})
}

func consoleLogger(component string, level Level) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          component,
	})
}

type state struct {
	mu         sync.Mutex
	writer     *RotatingWriter
	level      Level
	components map[string]Level
	console    *Level
	loggers    map[string]*Logger
}

var shared = &state{
	level:      LevelInfo,
	components: map[string]Level{},
	loggers:    map[string]*Logger{},
}

// Init opens the log file and reconfigures every logger Get has returned.
// Before Init, and after Close, loggers write to io.Discard.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	components := make(map[string]Level, len(cfg.Components))
	for name, lvl := range cfg.Components {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("parsing level for component %s: %w", name, err)
		}
		components[name] = parsed
	}
	var console *Level
	if cfg.ConsoleLevel != "" {
		parsed, err := ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
		console = &parsed
	}

	path := cfg.Path
	if path == "" {
		path = DefaultLogPath()
	}
	writer, err := NewRotatingWriter(path, cfg.Rotation)
	if err != nil {
		return fmt.Errorf("creating log writer: %w", err)
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()

	old := shared.writer
	shared.writer = writer
	shared.level = level
	shared.components = components
	shared.console = console
	shared.rewire()

	if old != nil {
		if err := old.Close(); err != nil {
			return fmt.Errorf("closing previous log writer: %w", err)
		}
	}
	return nil
}

// Get returns the shared logger for component, creating it on first use.
func Get(component string) *Logger {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if l, ok := shared.loggers[component]; ok {
		return l
	}
	l := &Logger{component: component, out: &outputs{}}
	l.out.set(shared.outputsFor(component))
	shared.loggers[component] = l
	return l
}

// Close flushes and closes the log file.
func Close() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.writer == nil {
		return nil
	}
	w := shared.writer
	shared.writer = nil
	shared.components = map[string]Level{}
	shared.console = nil
	shared.rewire()

	if err := w.Close(); err != nil {
		return fmt.Errorf("closing log writer: %w", err)
	}
	return nil
}

// outputsFor must be called with mu held.
func (s *state) outputsFor(component string) (*log.Logger, *log.Logger) {
	level := s.level
	if lvl, ok := s.components[component]; ok {
		level = lvl
	}
	if s.writer == nil {
		return fileLogger(io.Discard, component, level), nil
	}

	var console *log.Logger
	if s.console != nil {
		console = consoleLogger(component, *s.console)
	}
	return fileLogger(s.writer, component, level), console
}

// rewire must be called with mu held.
func (s *state) rewire() {
	for name, l := range s.loggers {
		l.out.set(s.outputsFor(name))
	}
}

// DefaultLogPath returns $XDG_STATE_HOME/pushsync/pushsync.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "pushsync", "pushsync.log")
}

// DefaultConfig logs at info to DefaultLogPath with default rotation.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
