// Package log provides structured logging for the client session and
// the tracelined service.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for hot paths (dispatcher, ingest)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/traceline-io/traceline/config"
)

// Logger provides structured JSON logging. Entries carry whatever
// context fields were attached via WithSession/WithRun, so every line
// in a shared debug log is attributable to one stream.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI and debug
// surfaces. Wraps zap.SugaredLogger with the same context fields.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

func encoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
}

// New builds a logger from cfg. When cfg.Dir is set, output goes to a
// size-rotated file named filename under that directory; cfg.Console
// additionally mirrors entries to stderr. With no directory configured
// the logger writes to stderr alone.
func New(cfg config.LogConfig, filename string) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var cores []zapcore.Core
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", cfg.Dir, err)
		}
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, filename),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder(), zapcore.AddSync(rotated), level))
	}
	if cfg.Console || cfg.Dir == "" {
		cores = append(cores, zapcore.NewCore(encoder(), zapcore.AddSync(os.Stderr), level))
	}

	return &Logger{zap: zap.New(zapcore.NewTee(cores...))}, nil
}

// NewWithWriter builds a debug-level logger writing to w. Meant for
// tests that assert on log output.
func NewWithWriter(w io.Writer) *Logger {
	core := zapcore.NewCore(encoder(), zapcore.AddSync(w), zapcore.DebugLevel)
	return &Logger{zap: zap.New(core)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// WithSession returns a logger whose entries carry the session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("session_id", sessionID))}
}

// WithRun returns a logger whose entries carry the run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("run_id", runID))}
}

// Sync flushes buffered entries. Called on session teardown.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
// Use for CLI/debug surfaces where convenience matters more than performance.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
