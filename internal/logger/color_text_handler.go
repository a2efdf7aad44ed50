package logger

import (
	"context"
	"io"
	"log/slog"
)

// pidAttrColor and errAttrColor single out the two fields operators scan a
// merged dolorous log stream for: the supervised child's pid (spec.md §3
// Invariant 2 — at most one live pid at a time, so its value is the thing
// worth finding at a glance) and any "error" attribute attached by the
// fallible-step-as-log pattern spec.md §7 describes.
const (
	pidAttrColor = "\033[35m" // Magenta
	errAttrColor = "\033[31m" // Red
	colorReset   = "\033[0m"
)

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for the
// level text and for the pid/error attribute values dolorous's supervisor,
// scheduler, and control socket log most often.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is
// false the slog.TimeKey attribute is dropped entirely rather than merely
// hidden, so a caller that mirrors output into a file already named/rotated
// by timestamp (internal/logger.Config.Writers) doesn't pay for a redundant
// per-line timestamp.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	o := *opts
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if next != nil {
			a = next(groups, a)
		}
		if len(groups) == 0 && a.Key == slog.TimeKey && !showTime {
			return slog.Attr{}
		}
		return a
	}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, &o),
		showTime:    showTime,
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch r.Level {
	case slog.LevelDebug:
		colorCode = "\033[36m" // Cyan
	case slog.LevelInfo:
		colorCode = "\033[32m" // Green
	case slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case slog.LevelError:
		colorCode = "\033[31m" // Red
	default:
		colorCode = colorReset
	}

	originalMsg := r.Message
	r.Message = colorCode + r.Level.String() + colorReset + "  " + originalMsg

	colored := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		colored.AddAttrs(colorizeAttr(a))
		return true
	})

	return h.TextHandler.Handle(ctx, colored)
}

// colorizeAttr wraps the value of pid/error attributes in color so they
// stand out in a stream that otherwise interleaves supervisor, scheduler,
// and control-socket log lines.
func colorizeAttr(a slog.Attr) slog.Attr {
	switch a.Key {
	case "pid":
		return slog.String("pid", pidAttrColor+a.Value.String()+colorReset)
	case "error":
		return slog.String("error", errAttrColor+a.Value.String()+colorReset)
	default:
		return a
	}
}
