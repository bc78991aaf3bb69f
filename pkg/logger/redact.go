package logger

import (
	"context"
	"log/slog"
	"regexp"
)

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	creditCardRegex = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

const redacted = "[REDACTED]"

// RedactHandler scrubs string attribute values that look like emails or
// credit-card numbers before they reach next.
type RedactHandler struct {
	next slog.Handler
}

// NewRedactHandler wraps next with PII redaction.
func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(redactString(a.Value.String()))
	}
	return a
}

func redactString(s string) string {
	if emailPattern.MatchString(s) {
		s = emailPattern.ReplaceAllString(s, redacted)
	}
	if creditCardRegex.MatchString(s) {
		s = creditCardRegex.ReplaceAllString(s, redacted)
	}
	return s
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(scrubbed)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}
