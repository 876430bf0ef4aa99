// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanEventHandler is a slog.Handler that records each log record as an
// event on the span carried by the record's context, so patch and QA log
// lines travel with the request trace.
//
// Records logged without a context, or whose span is not recording, are
// dropped. Use it as logging.Config.Exporter.
//
// Thread Safety: Safe for concurrent use.
type SpanEventHandler struct {
	level  slog.Leveler
	attrs  []attribute.KeyValue
	prefix string
}

// NewSpanEventHandler creates a handler that exports records at or above
// level. A nil level means slog.LevelInfo.
func NewSpanEventHandler(level slog.Leveler) *SpanEventHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &SpanEventHandler{level: level}
}

// Enabled reports whether ctx carries a recording span and level is high
// enough.
func (h *SpanEventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.level.Level() || ctx == nil {
		return false
	}
	return trace.SpanFromContext(ctx).IsRecording()
}

// Handle adds r as a span event named after the log message.
func (h *SpanEventHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, len(h.attrs)+r.NumAttrs()+1)
	attrs = append(attrs, attribute.String("log.severity", r.Level.String()))
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})

	opts := []trace.EventOption{trace.WithAttributes(attrs...)}
	if !r.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(r.Time))
	}
	span.AddEvent(r.Message, opts...)
	return nil
}

// WithAttrs returns a handler that adds attrs to every event.
func (h *SpanEventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &SpanEventHandler{level: h.level, prefix: h.prefix}
	next.attrs = append([]attribute.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.prefix, a)
	}
	return next
}

// WithGroup returns a handler that qualifies later attribute keys with
// name, joined by dots.
func (h *SpanEventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SpanEventHandler{
		level:  h.level,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

func appendAttr(dst []attribute.KeyValue, prefix string, a slog.Attr) []attribute.KeyValue {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}

	key := prefix + a.Key
	v := a.Value
	switch v.Kind() {
	case slog.KindGroup:
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix = key + "."
		}
		for _, ga := range v.Group() {
			dst = appendAttr(dst, groupPrefix, ga)
		}
		return dst
	case slog.KindString:
		return append(dst, attribute.String(key, v.String()))
	case slog.KindInt64:
		return append(dst, attribute.Int64(key, v.Int64()))
	case slog.KindUint64:
		return append(dst, attribute.Int64(key, int64(v.Uint64())))
	case slog.KindFloat64:
		return append(dst, attribute.Float64(key, v.Float64()))
	case slog.KindBool:
		return append(dst, attribute.Bool(key, v.Bool()))
	case slog.KindDuration:
		return append(dst, attribute.String(key, v.Duration().String()))
	case slog.KindTime:
		return append(dst, attribute.String(key, v.Time().Format(time.RFC3339Nano)))
	default:
		if s, ok := v.Any().([]string); ok {
			return append(dst, attribute.StringSlice(key, s))
		}
		return append(dst, attribute.String(key, fmt.Sprint(v.Any())))
	}
}

var _ slog.Handler = (*SpanEventHandler)(nil)
