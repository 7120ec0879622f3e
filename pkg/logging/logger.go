// Package logging provides structured logging on zap, bridged into OpenTelemetry logs
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"exit_tracker/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is the instrumentation scope for bridged log records
const ServiceName = "exit_tracker"

// Options configures a ZapLogger
type Options struct {
	Level string
	// Format is "console" or "json"
	Format string
	Output io.Writer
	// OTelBridge tees records into the global OTel logger provider
	OTelBridge bool
}

// ZapLogger implements core.ILogger on zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a ZapLogger from opts
func New(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var c zapcore.Core = zapcore.NewCore(encoder, zapcore.AddSync(out), level.zap())
	if opts.OTelBridge {
		otelCore := otelzap.NewCore(ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
		c = zapcore.NewTee(c, otelCore)
	}

	return &ZapLogger{logger: zap.New(c, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewZapLogger creates a console logger at levelStr with the OTel bridge enabled.
// Unknown levels fall back to INFO.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	if _, err := ParseLevel(levelStr); err != nil {
		levelStr = InfoLevel.String()
	}
	return New(Options{Level: levelStr, OTelBridge: true})
}

// Wrap adapts an existing zap.Logger, e.g. one built on zaptest/observer
func Wrap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l.WithOptions(zap.AddCallerSkip(1))}
}

// NewNop returns a logger that discards everything
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Level represents log levels
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case DebugLevel:
		return zap.DebugLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	case FatalLevel:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// ParseLevel parses a log level string; empty means INFO
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// toZapFields converts alternating key/value pairs; a dangling key is logged with a nil value
func toZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, (len(fields)+1)/2)
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		var value interface{}
		if i+1 < len(fields) {
			value = fields[i+1]
		}
		if err, isErr := value.(error); isErr {
			zapFields = append(zapFields, zap.NamedError(key, err))
			continue
		}
		zapFields = append(zapFields, zap.Any(key, value))
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, toZapFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
