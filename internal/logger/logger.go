// internal/logger/logger.go
package logger

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Refuel outcome labels shared by logs and metrics.
const (
	OutcomeSuccess        = "success"
	OutcomeBelowThreshold = "below_threshold"
	OutcomeSkipped        = "skipped"
	OutcomeFailed         = "failed"
)

// Logger wraps zap.Logger with the rotating file sink it writes to.
type Logger struct {
	*zap.Logger
	config *Config
	rotor  io.Closer
}

// New builds a logger that writes human-readable lines to stdout and JSON
// lines to a rotating file.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newWithConsole(cfg, zapcore.AddSync(os.Stdout))
}

func newWithConsole(cfg *Config, console zapcore.WriteSyncer) (*Logger, error) {
	if cfg.LogFile == "" {
		return nil, errors.New("log file path is empty")
	}

	logRotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := zapcore.InfoLevel
	if cfg.Development {
		level = zapcore.DebugLevel
	}

	consoleCore := zapcore.Core(&addressCore{core: zapcore.NewCore(PrettyEncoder(), console, level)})
	if cfg.Development {
		consoleCore = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), console, level)
	}

	core := zapcore.NewTee(
		consoleCore,
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logRotator), level),
	)

	return &Logger{
		Logger: zap.New(core,
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		),
		config: cfg,
		rotor:  logRotator,
	}, nil
}

// WithOperation tags a logger with a fresh correlation id, e.g. one keeper round.
func (l *Logger) WithOperation(operation string) *zap.Logger {
	return l.With(
		zap.String("operation", operation),
		zap.String("correlation_id", uuid.New().String()),
		zap.Time("start_time", time.Now().UTC()),
	)
}

func (l *Logger) WithComponent(component string) *zap.Logger {
	return l.With(zap.String("component", component))
}

// Contract returns the field components tag their loggers with, keyed by
// contract kind ("pool", "factory", "instance").
func Contract(kind string, addr common.Address) zap.Field {
	return zap.String(kind, addr.Hex())
}

// Sync flushes buffered entries, ignoring the errors stdout returns on terminals.
func (l *Logger) Sync() error {
	err := l.Logger.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}

// Close syncs and releases the log file.
func (l *Logger) Close() error {
	return errors.Join(l.Sync(), l.rotor.Close())
}

// TrackPerformance logs the duration of an operation when the returned func runs.
func (l *Logger) TrackPerformance(operation string) (end func()) {
	start := time.Now()
	opLogger := l.WithOperation(operation)
	opLogger.Debug("Starting operation")

	return func() {
		duration := time.Since(start)
		opLogger.Debug("Operation completed",
			zap.Duration("duration", duration),
			zap.Float64("duration_ms", float64(duration.Microseconds())/1000),
		)
	}
}
