package logger

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

type ctxKey struct{}

// meta is the correlation data carried by a context. Every With* call stores
// a fresh copy so parent contexts are never mutated.
type meta struct {
	rid     string
	eventID string
	userID  string
	handler string
	flow    string
	step    int
	log     *slog.Logger
}

func metaFrom(ctx context.Context) meta {
	if ctx == nil {
		return meta{}
	}
	m, _ := ctx.Value(ctxKey{}).(meta)
	return m
}

func withMeta(ctx context.Context, update func(*meta)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	m := metaFrom(ctx)
	update(&m)
	return context.WithValue(ctx, ctxKey{}, m)
}

// WithLogger makes log the logger used for events emitted with ctx.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if log == nil {
		return withMeta(ctx, func(*meta) {})
	}
	return withMeta(ctx, func(m *meta) { m.log = log })
}

// FromContext returns the logger stored in ctx, or the global one.
func FromContext(ctx context.Context) *slog.Logger {
	if l := metaFrom(ctx).log; l != nil {
		return l
	}
	return L
}

// WithRID attaches the request correlation id.
func WithRID(ctx context.Context, rid string) context.Context {
	return withMeta(ctx, func(m *meta) { m.rid = rid })
}

func RIDFrom(ctx context.Context) string { return metaFrom(ctx).rid }

// WithEventMeta attaches the inbound event and user identifiers.
func WithEventMeta(ctx context.Context, eventID, userID string) context.Context {
	return withMeta(ctx, func(m *meta) {
		m.eventID = eventID
		m.userID = userID
	})
}

func EventIDFrom(ctx context.Context) string { return metaFrom(ctx).eventID }

func UserIDFrom(ctx context.Context) string { return metaFrom(ctx).userID }

// WithHandler names the transport handler serving the event. Empty names
// leave ctx as is.
func WithHandler(ctx context.Context, handler string) context.Context {
	if handler == "" {
		if ctx == nil {
			return context.Background()
		}
		return ctx
	}
	return withMeta(ctx, func(m *meta) { m.handler = handler })
}

func HandlerFrom(ctx context.Context) string { return metaFrom(ctx).handler }

// WithFlow records the active conversation flow and step.
func WithFlow(ctx context.Context, flow string, step int) context.Context {
	return withMeta(ctx, func(m *meta) {
		m.flow = flow
		m.step = step
	})
}

// FlowFrom returns the recorded flow and step. ok is false outside a flow.
func FlowFrom(ctx context.Context) (flow string, step int, ok bool) {
	m := metaFrom(ctx)
	return m.flow, m.step, m.flow != ""
}

// Sanitize drops control and format runes, keeping tabs and newlines.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, s)
}

// SanitizeLimit sanitizes s and cuts it to at most max runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) > max {
		r = r[:max]
	}
	return string(r)
}

// BuildRID joins source, event and user ids as source:eventID:userID.
func BuildRID(source, eventID, userID string) string {
	return strings.Join([]string{source, eventID, userID}, ":")
}
