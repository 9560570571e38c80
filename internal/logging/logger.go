// Package logging provides the structured logger used across deckfold.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the logger.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `koanf:"level"`
	// Format is console or json.
	Format string `koanf:"format"`
	// File receives the log. Empty means stderr. The Neovim host owns stdout,
	// so logs never go there.
	File string `koanf:"file"`
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// Validate checks the level and format.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "console", "json":
		return nil
	default:
		return fmt.Errorf("log format %q: want console or json", c.Format)
	}
}

// ParseLevel parses a level name. The empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		s = "warn"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// Logger wraps zap with component-scoped children.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
	close func() error
}

// New creates a logger from cfg.
func New(cfg Config) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}
	l, err := NewWithWriter(cfg, out)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	l.close = closeFn
	return l, nil
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)
	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(w), level)
	return &Logger{
		zap:   zap.New(core),
		level: level,
		close: func() error { return nil },
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{
		zap:   zap.NewNop(),
		level: zap.NewAtomicLevelAt(zapcore.FatalLevel),
		close: func() error { return nil },
	}
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderCfg)
}

// WithField returns a child logger with the given field added.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.With(zap.Any(key, value))
}

// WithFields returns a child logger with the given fields added.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return l.With(zf...)
}

// WithComponent returns a child logger with the component field set.
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(zap.String("component", component))
}

// With returns a child logger with fields added.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), level: l.level, close: l.close}
}

// SetLevel changes the level of this logger and every child.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Printf logs a formatted message at info level. It lets libraries that
// take a printf-style logger write through this one.
func (l *Logger) Printf(format string, args ...any) {
	l.zap.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// Underlying returns the zap logger.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	return errors.Join(l.Sync(), l.close())
}

// isStdoutSyncError checks if error is harmless stdout/stderr sync error.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
