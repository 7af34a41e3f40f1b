// Package logging configures the relay's structured logging: JSON output on
// stdout, a runtime-adjustable level, and a redacting handler that keeps
// provider credentials and prompt content out of the log stream. Dispatch
// requests carry both API keys and user text, so redaction is not optional
// here.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redactedPlaceholder = "[REDACTED]"

// redactedKeys are attribute names whose values never reach the log stream.
// Beyond the usual auth headers, this covers the prompt-bearing fields of a
// dispatch request: user text is payload, not telemetry.
var redactedKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"cookie":              true,
	"set-cookie":          true,
	"body":                true,
	"request_body":        true,
	"req_body":            true,
	"prompt":              true,
	"messages":            true,
}

// redactedMarkers flag sensitive keys by substring, catching variants like
// api_key, client_secret, or refresh_token.
var redactedMarkers = []string{"key", "token", "secret", "password", "credential"}

// level is the shared dynamic level read by every handler built here.
var level = new(slog.LevelVar)

// Setup builds the relay's logger at the given level. The caller decides
// whether to install it as the slog default.
func Setup(lvl string) *slog.Logger {
	SetLevel(lvl)
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(&RedactingHandler{base: base})
}

// SetLevel changes the log level at runtime. Recognized values are "debug",
// "info", "warn", and "error"; anything else falls back to info.
func SetLevel(lvl string) {
	switch lvl {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// RedactingHandler wraps an slog.Handler and replaces sensitive attribute
// values before they are encoded.
type RedactingHandler struct {
	base slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.base.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redact(a))
		return true
	})
	return h.base.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, redact(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redact(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if redactedKeys[key] {
		return slog.String(a.Key, redactedPlaceholder)
	}
	for _, marker := range redactedMarkers {
		if strings.Contains(key, marker) {
			return slog.String(a.Key, redactedPlaceholder)
		}
	}
	return a
}

// RequestLogger returns chi middleware that writes one line per served
// request. Bodies and auth headers are never logged; the redacting handler
// backstops anything a handler adds later.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
