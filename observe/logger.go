package observe

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jonwraymond/llmguard/observe/exporters"
)

// LogLevel represents a logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel parses a string log level.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// zapLogger is a Logger backed by zap.
type zapLogger struct {
	z *zap.Logger
}

// NewLogger creates a new JSON logger writing to stderr at the given level.
func NewLogger(level string) Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a new JSON logger with a custom writer.
func NewLoggerWithWriter(level string, w io.Writer) Logger {
	return newZapLogger(ParseLogLevel(level), "json", zapcore.AddSync(w))
}

// NewLoggerFromConfig creates a logger from LoggingConfig. When cfg.File
// is set, output goes to a size-rotated file instead of stderr.
func NewLoggerFromConfig(cfg LoggingConfig) (Logger, error) {
	if !validLogLevels[cfg.Level] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.Level)
	}
	if !validLogFormats[cfg.Format] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLogFormat, cfg.Format)
	}

	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		ws = zapcore.AddSync(exporters.RotatingFile(cfg.File))
	}
	return newZapLogger(ParseLogLevel(cfg.Level), cfg.Format, ws), nil
}

// NewZapLogger adapts an existing zap logger.
func NewZapLogger(z *zap.Logger) Logger {
	if z == nil {
		return NopLogger()
	}
	return &zapLogger{z: z}
}

func newZapLogger(level LogLevel, format string, ws zapcore.WriteSyncer) *zapLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var enc zapcore.Encoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(level.zapLevel()))
	return &zapLogger{z: zap.New(core)}
}

// WithCall returns a logger with call context attached.
func (l *zapLogger) WithCall(meta CallMeta) Logger {
	fields := []zap.Field{zap.String("llm.operation", meta.Operation)}
	if meta.Model != "" {
		fields = append(fields, zap.String("llm.model", meta.Model))
	}
	if meta.RequestID != "" {
		fields = append(fields, zap.String("llm.request_id", meta.RequestID))
	}
	if meta.Attempt > 0 {
		fields = append(fields, zap.Int("llm.attempt", meta.Attempt))
	}
	return &zapLogger{z: l.z.With(fields...)}
}

func (l *zapLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *zapLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

func (l *zapLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

// Sync flushes buffered log entries.
func (l *zapLogger) Sync() error {
	return l.z.Sync()
}

// Zap exposes the underlying zap logger.
func (l *zapLogger) Zap() *zap.Logger {
	return l.z
}

func (l *zapLogger) log(ctx context.Context, level zapcore.Level, msg string, fields []Field) {
	ce := l.z.Check(level, msg)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+2)

	// Correlate with the active span, if any
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		zf = append(zf,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	for _, f := range fields {
		if isRedactedField(f.Key) {
			zf = append(zf, zap.String(f.Key, "[REDACTED]"))
			continue
		}
		if err, ok := f.Value.(error); ok {
			zf = append(zf, zap.String(f.Key, err.Error()))
			continue
		}
		zf = append(zf, zap.Any(f.Key, f.Value))
	}

	ce.Write(zf...)
}

var redactedKeys = func() map[string]bool {
	m := make(map[string]bool, len(RedactedFields))
	for _, k := range RedactedFields {
		m[k] = true
	}
	return m
}()

// isRedactedField returns true if the field should be redacted.
func isRedactedField(key string) bool {
	return redactedKeys[key]
}

// Ensure zapLogger implements Logger
var _ Logger = (*zapLogger)(nil)
