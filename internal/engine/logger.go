package engine

import (
	"context"
	"log/slog"
)

// replayHandler is the slog.Handler behind Context.Logger.
//
// Orchestration logs are not history: a resumed execution re-runs its code
// from the top and would print every earlier line again. While the cursor
// still has unconsumed entries the handler drops records unless keep is
// set, and every record it passes on carries a replaying attribute.
type replayHandler struct {
	inner slog.Handler
	c     *Context
	keep  bool
}

func newReplayHandler(inner slog.Handler, c *Context, keep bool) *replayHandler {
	return &replayHandler{inner: inner, c: c, keep: keep}
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !h.keep && h.c.IsReplaying() {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	replaying := h.c.IsReplaying()
	if replaying && !h.keep {
		return nil
	}
	r = r.Clone()
	r.AddAttrs(slog.Bool("replaying", replaying))
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), c: h.c, keep: h.keep}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), c: h.c, keep: h.keep}
}
