package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/comfylb/balancer/internal/core"
)

const traceIDKey = "trace_id"

// Logger is the structured, context-aware logging interface every
// component in the balancer talks to instead of the standard library's
// log package.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
	Fatal(ctx context.Context, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error

	// Formatted convenience methods for call sites without a context
	// handy (lifecycle, startup) — still routed through the same core.
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Component wraps a *zap.Logger as an application Component so it starts
// and stops alongside everything else and can be health-checked.
type Component struct {
	*core.BaseComponent
	config    *Config
	zapLogger *zap.Logger
}

func NewComponent(cfg *Config) *Component {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Component{BaseComponent: core.NewBaseComponent("logging"), config: cfg}
}

func (c *Component) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}

	encoder := c.buildEncoder()
	writer, err := c.buildWriteSyncer()
	if err != nil {
		return fmt.Errorf("build log writer: %w", err)
	}
	level := parseLevel(c.config.Level)

	zc := zapcore.NewCore(encoder, writer, level)
	c.zapLogger = zap.New(zc, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	SetGlobalLogger(c)

	c.zapLogger.Info("logging started",
		zap.String("level", c.config.Level),
		zap.String("encoding", c.config.Encoding),
		zap.String("output", c.config.Output))
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	if c.zapLogger != nil {
		_ = c.zapLogger.Sync()
	}
	return c.BaseComponent.Stop(ctx)
}

func (c *Component) HealthCheck() error {
	if err := c.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if c.zapLogger == nil {
		return fmt.Errorf("logger not initialized")
	}
	return nil
}

func (c *Component) buildEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if c.config.Encoding == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func (c *Component) buildWriteSyncer() (zapcore.WriteSyncer, error) {
	switch strings.ToLower(c.config.Output) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		return c.buildFileWriteSyncer(c.config.Output)
	}
}

func (c *Component) buildFileWriteSyncer(path string) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if c.config.Rotate != nil && c.config.Rotate.Enabled {
		lumber := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    c.config.Rotate.MaxSizeMB,
			MaxAge:     c.config.Rotate.MaxAgeDays,
			MaxBackups: c.config.Rotate.MaxBackups,
			Compress:   true,
			LocalTime:  true,
		}
		return zapcore.AddSync(lumber), nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (c *Component) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	c.log(ctx, zapcore.DebugLevel, msg, fields...)
}
func (c *Component) Info(ctx context.Context, msg string, fields ...zap.Field) {
	c.log(ctx, zapcore.InfoLevel, msg, fields...)
}
func (c *Component) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	c.log(ctx, zapcore.WarnLevel, msg, fields...)
}
func (c *Component) Error(ctx context.Context, msg string, fields ...zap.Field) {
	c.log(ctx, zapcore.ErrorLevel, msg, fields...)
}
func (c *Component) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	c.log(ctx, zapcore.FatalLevel, msg, fields...)
}

func (c *Component) Infof(format string, args ...interface{}) {
	c.log(context.Background(), zapcore.InfoLevel, fmt.Sprintf(format, args...))
}
func (c *Component) Warnf(format string, args ...interface{}) {
	c.log(context.Background(), zapcore.WarnLevel, fmt.Sprintf(format, args...))
}
func (c *Component) Errorf(format string, args ...interface{}) {
	c.log(context.Background(), zapcore.ErrorLevel, fmt.Sprintf(format, args...))
}

func (c *Component) With(fields ...zap.Field) Logger {
	return &Component{BaseComponent: c.BaseComponent, config: c.config, zapLogger: c.zapLogger.With(fields...)}
}

func (c *Component) Sync() error {
	if c.zapLogger != nil {
		return c.zapLogger.Sync()
	}
	return nil
}

// log injects the OTEL trace id (preferred) or a plain request-scoped
// trace id found on the context, matching the convention every request
// path in this module is expected to carry.
func (c *Component) log(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) {
	if c.zapLogger == nil {
		return
	}
	allFields := append([]zap.Field{zap.String(traceIDKey, traceIDFrom(ctx))}, fields...)
	switch level {
	case zapcore.DebugLevel:
		c.zapLogger.Debug(msg, allFields...)
	case zapcore.InfoLevel:
		c.zapLogger.Info(msg, allFields...)
	case zapcore.WarnLevel:
		c.zapLogger.Warn(msg, allFields...)
	case zapcore.ErrorLevel:
		c.zapLogger.Error(msg, allFields...)
	case zapcore.FatalLevel:
		c.zapLogger.Fatal(msg, allFields...)
	}
}

func traceIDFrom(ctx context.Context) string {
	if ctx == nil {
		return uuid.New().String()
	}
	if span := trace.SpanContextFromContext(ctx); span.HasTraceID() {
		return span.TraceID().String()
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return uuid.New().String()
}
