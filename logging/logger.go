// Package logging provides the structured logging contract used by
// every pool control-plane package, plus a production implementation.
//
// Components depend only on the Logger interface so tests can inject
// a NoOpLogger or a recording fake without pulling in the production
// formatter.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the structured logging contract. Fields are free-form key
// -value pairs; implementations decide how to render them.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component tagging so a
// single process-wide logger can be specialized per package
// ("scheduler", "breaker", "router", ...) while sharing one sink and
// format. Log lines can then be filtered by component in aggregation:
//
//	... | jq 'select(.component == "scheduler")'
type ComponentAwareLogger interface {
	Logger
	WithComponent(name string) Logger
}

// NoOpLogger discards everything. It is the default when no logger is
// configured.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                                  {}
func (NoOpLogger) Warn(string, map[string]interface{})                                  {}
func (NoOpLogger) Error(string, map[string]interface{})                                 {}
func (NoOpLogger) Debug(string, map[string]interface{})                                 {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})     {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})     {}

// MetricsHook lets a ProductionLogger also bump a counter per log
// event without the logging package importing telemetry directly
// (weak coupling via a function value instead of a direct import).
type MetricsHook func(level, component string, fields map[string]interface{})

// Config controls a ProductionLogger's behavior.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Format      string // "json" or "text"
	Output      io.Writer
	ServiceName string
}

// ProductionLogger is the default Logger implementation: JSON or
// human-readable text, component tagging, and an optional metrics
// hook. It never panics on a nil MetricsHook/Output.
type ProductionLogger struct {
	debug       bool
	format      string
	serviceName string
	component   string
	output      io.Writer
	onEvent     MetricsHook
}

// NewLogger builds a ProductionLogger from Config. A zero Config
// produces a text logger at info level writing to stdout.
func NewLogger(cfg Config) *ProductionLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	return &ProductionLogger{
		debug:       strings.EqualFold(cfg.Level, "debug"),
		format:      cfg.Format,
		serviceName: cfg.ServiceName,
		output:      out,
	}
}

// WithMetricsHook returns a logger that also invokes hook on every
// event. Intended to be wired up once by the telemetry package, not
// called from the hot selection path.
func (p *ProductionLogger) WithMetricsHook(hook MetricsHook) *ProductionLogger {
	clone := *p
	clone.onEvent = hook
	return &clone
}

// WithComponent returns a logger tagged with component for all future
// log lines; satisfies ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.log(nil, "INFO", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.log(nil, "WARN", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.log(nil, "ERROR", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.log(nil, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, "ERROR", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.log(ctx, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) log(ctx context.Context, level, msg string, fields map[string]interface{}) {
	_ = ctx // reserved for trace-id propagation by the caller's context

	if strings.EqualFold(p.format, "json") {
		entry := map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339Nano),
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var b strings.Builder
		for k, v := range fields {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
		fmt.Fprintf(p.output, "%s [%s] [%s]%s %s%s\n",
			time.Now().Format(time.RFC3339), level, p.serviceName, componentSuffix(p.component), msg, b.String())
	}

	if p.onEvent != nil {
		p.onEvent(level, p.component, fields)
	}
}

func componentSuffix(component string) string {
	if component == "" {
		return ""
	}
	return " [" + component + "]"
}
