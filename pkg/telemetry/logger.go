// Package telemetry carries the node's and agent's operational signals:
// structured JSON-lines logging, counter/gauge metering, and health
// snapshots. Nothing in here touches record semantics; payloads and key
// material must never reach a log field.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Level orders log severities.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func levelRank(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

const (
	maxLogFields  = 64
	maxLogValLen  = 512
	maxLogMsgLen  = 1024
	maxServiceLen = 64
)

// Options configures a Logger.
type Options struct {
	Service string // e.g. "store.private", "transport.node", "agent"
	Level   Level  // minimum level emitted; defaults to debug
}

// Logger writes one JSON object per line. Field keys are emitted sorted,
// so two identical events always serialize identically; values are
// rendered to bounded strings, which keeps a stray envelope or key
// structure from ever being expanded into the log.
type Logger struct {
	mu      sync.Mutex
	w       io.Writer
	service string
	min     Level
}

// NewLogger builds a Logger over w (stderr when nil).
func NewLogger(w io.Writer, opt Options) *Logger {
	if w == nil {
		w = os.Stderr
	}
	service := opt.Service
	if len(service) > maxServiceLen {
		service = service[:maxServiceLen]
	}
	min := opt.Level
	if min == "" {
		min = LevelDebug
	}
	return &Logger{w: w, service: service, min: min}
}

// NewDefaultLogger is the debug-level logger every component falls back to
// when the caller wires none.
func NewDefaultLogger(w io.Writer, service string) *Logger {
	return NewLogger(w, Options{Service: service, Level: LevelDebug})
}

// NewInfoLogger suppresses debug chatter, for production nodes.
func NewInfoLogger(w io.Writer, service string) *Logger {
	return NewLogger(w, Options{Service: service, Level: LevelInfo})
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelDebug, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelInfo, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelWarn, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelError, msg, fields)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	if l == nil || levelRank(level) < levelRank(l.min) {
		return
	}
	if len(msg) > maxLogMsgLen {
		msg = msg[:maxLogMsgLen]
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeLogField(&buf, "ts", time.Now().UTC().Format(time.RFC3339Nano), true)
	writeLogField(&buf, "level", string(level), false)
	if l.service != "" {
		writeLogField(&buf, "service", l.service, false)
	}
	writeLogField(&buf, "msg", msg, false)
	if sc, ok := SpanContextFromContext(ctx); ok {
		if sc.TraceID != "" {
			writeLogField(&buf, "trace_id", sc.TraceID, false)
		}
		if sc.SpanID != "" {
			writeLogField(&buf, "span_id", sc.SpanID, false)
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxLogFields {
		keys = keys[:maxLogFields]
	}
	for _, k := range keys {
		writeLogField(&buf, k, renderLogValue(fields[k]), false)
	}
	buf.WriteByte('}')
	buf.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(buf.Bytes())
}

func writeLogField(buf *bytes.Buffer, k, v string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	kb, _ := json.Marshal(k)
	vb, _ := json.Marshal(v)
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
}

// renderLogValue flattens any field value to a bounded string. Structured
// values are not expanded: a caller who wants structure logs scalar
// fields.
func renderLogValue(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		s = "null"
	case string:
		s = t
	case error:
		s = t.Error()
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprintf("%v", t)
	}
	if len(s) > maxLogValLen {
		s = s[:maxLogValLen]
	}
	return s
}
