package courier

import (
	"context"
	"log/slog"

	"github.com/szibis/loki-courier/internal/entry"
)

// Handler bridges log/slog into a Client: records emitted through slog are
// appended to the client's buffer and shipped like any other record.
// Attributes become metadata fields, with group names joined into the key
// by dots. The handler never blocks and never returns delivery errors;
// overflow is absorbed by the client's dropped counter.
type Handler struct {
	client *Client
	level  slog.Leveler

	// attrs and group are accumulated by WithAttrs/WithGroup; the handler
	// itself is immutable after construction.
	attrs []Field
	group string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a slog handler forwarding to client. Records below
// level are discarded; a nil level means slog.LevelInfo.
func NewHandler(client *Client, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{client: client, level: level}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	metadata := make([]Field, 0, len(h.attrs)+record.NumAttrs())
	metadata = append(metadata, h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		metadata = appendAttr(metadata, h.group, a)
		return true
	})

	h.client.log(levelFor(record.Level), record.Message, metadata)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = make([]Field, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		nh.attrs = appendAttr(nh.attrs, h.group, a)
	}
	return &nh
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.group == "" {
		nh.group = name
	} else {
		nh.group = h.group + "." + name
	}
	return &nh
}

// appendAttr flattens one attribute into metadata fields, expanding
// groups and resolving LogValuers.
func appendAttr(dst []Field, prefix string, a slog.Attr) []Field {
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return dst
		}
		p := prefix
		if a.Key != "" {
			if p == "" {
				p = a.Key
			} else {
				p = p + "." + a.Key
			}
		}
		for _, ga := range group {
			dst = appendAttr(dst, p, ga)
		}
		return dst
	}

	if a.Key == "" {
		return dst
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	return append(dst, Field{Key: key, Value: a.Value.String()})
}

// levelFor maps an slog level to the stream label level.
func levelFor(l slog.Level) entry.Level {
	switch {
	case l < slog.LevelInfo:
		return entry.LevelDebug
	case l < slog.LevelWarn:
		return entry.LevelInfo
	case l < slog.LevelError:
		return entry.LevelWarn
	default:
		return entry.LevelError
	}
}
