package logging

import (
	"context"
	"log/slog"
)

// LevelFilter drops records below a minimum level before they reach the
// wrapped handler. The minimum is a slog.Leveler so a *slog.LevelVar can
// move it at runtime.
type LevelFilter struct {
	next slog.Handler
	min  slog.Leveler
}

func NewLevelFilter(next slog.Handler, min slog.Leveler) *LevelFilter {
	return &LevelFilter{next: next, min: min}
}

func (f *LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.min.Level() && f.next.Enabled(ctx, level)
}

func (f *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < f.min.Level() {
		return nil
	}
	return f.next.Handle(ctx, r)
}

func (f *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelFilter{next: f.next.WithAttrs(attrs), min: f.min}
}

func (f *LevelFilter) WithGroup(name string) slog.Handler {
	return &LevelFilter{next: f.next.WithGroup(name), min: f.min}
}
