// Package logging provides structured logging infrastructure for the launcher.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/blendle/zapdriver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level aliases for zap levels.
const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

// Logger wraps zap.Logger with launcher-specific configuration.
type Logger struct {
	*zap.Logger
}

// Config contains logger configuration options.
type Config struct {
	Level   zapcore.Level
	Output  io.Writer
	Enabled bool
	// Production selects the Stackdriver-compatible production encoder.
	Production bool
}

// DefaultConfig returns a default logger configuration.
// APP_ENV=production switches to the production encoder.
func DefaultConfig() Config {
	return Config{
		Level:      LevelWarn,
		Output:     os.Stderr,
		Enabled:    true,
		Production: os.Getenv("APP_ENV") == "production",
	}
}

// New creates a new logger with the given configuration.
func New(cfg Config) *Logger {
	if !cfg.Enabled {
		return &Logger{Logger: zap.NewNop()}
	}

	if cfg.Production && cfg.Output == nil {
		if l, err := zapdriver.NewProduction(); err == nil {
			return &Logger{Logger: l}
		}
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var encoder zapcore.Encoder
	if cfg.Production {
		encoder = zapcore.NewJSONEncoder(zapdriver.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output), zap.NewAtomicLevelAt(cfg.Level))
	return &Logger{Logger: zap.New(core)}
}

// WithPrefix returns a new logger with the given name appended.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{Logger: l.Named(prefix)}
}

var (
	globalMu         sync.RWMutex
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// Global returns the global logger instance.
func Global() *Logger {
	globalLoggerOnce.Do(func() {
		globalMu.Lock()
		if globalLogger == nil {
			globalLogger = New(DefaultConfig())
		}
		globalMu.Unlock()
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger instance and returns a function restoring
// the previous one.
func SetGlobal(logger *Logger) func() {
	Global()
	globalMu.Lock()
	prev := globalLogger
	globalLogger = logger
	globalMu.Unlock()
	undo := zap.ReplaceGlobals(logger.Logger)
	return func() {
		undo()
		globalMu.Lock()
		globalLogger = prev
		globalMu.Unlock()
	}
}

// Init initializes the global logger with the given level and output.
func Init(level zapcore.Level, w io.Writer) {
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.Output = w
	SetGlobal(New(cfg))
}

// Debug logs a debug message to the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// Info logs an informational message to the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs a warning message to the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs an error message to the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}
