package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger written to stdout.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(&contextHandler{handler: slog.NewJSONHandler(w, opts)})
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Fields are request-scoped attributes appended to every record logged with
// a context carrying them. The struct is shared by pointer so that values set
// deeper in a middleware chain are visible to outer loggers of the same request.
type Fields struct {
	RequestID string
	Subject   string
	RideID    string
}

type fieldsKey struct{}

// WithFields attaches an empty Fields to ctx unless one is already present.
func WithFields(ctx context.Context) (context.Context, *Fields) {
	if f, ok := ctx.Value(fieldsKey{}).(*Fields); ok {
		return ctx, f
	}
	f := &Fields{}
	return context.WithValue(ctx, fieldsKey{}, f), f
}

func FieldsFrom(ctx context.Context) *Fields {
	f, _ := ctx.Value(fieldsKey{}).(*Fields)
	return f
}

func WithRequestID(ctx context.Context, id string) context.Context {
	ctx, f := WithFields(ctx)
	f.RequestID = id
	return ctx
}

func WithRideID(ctx context.Context, id string) context.Context {
	ctx, f := WithFields(ctx)
	f.RideID = id
	return ctx
}

func RequestID(ctx context.Context) string {
	if f := FieldsFrom(ctx); f != nil {
		return f.RequestID
	}
	return ""
}

type contextHandler struct {
	handler slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.handler.Enabled(ctx, lvl)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if f := FieldsFrom(ctx); f != nil {
		if f.RequestID != "" {
			r.AddAttrs(slog.String("request_id", f.RequestID))
		}
		if f.Subject != "" {
			r.AddAttrs(slog.String("subject", f.Subject))
		}
		if f.RideID != "" {
			r.AddAttrs(slog.String("ride_id", f.RideID))
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{handler: h.handler.WithGroup(name)}
}
