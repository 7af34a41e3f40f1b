// Package httpapi is the relay's thin HTTP serving surface. All mediation
// logic lives in the core packages; handlers translate between the wire and
// the dispatcher, ledger, cache, and health trackers.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/llmrelay/relay/internal/cache"
	"github.com/llmrelay/relay/internal/circuit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/ledger"
	"github.com/llmrelay/relay/internal/logging"
	"github.com/llmrelay/relay/internal/metrics"
	"github.com/llmrelay/relay/internal/router"
	"github.com/llmrelay/relay/internal/tracing"
)

// Dependencies carries everything the handlers need. Nil-able fields are
// skipped when unset.
type Dependencies struct {
	Dispatcher *router.Dispatcher
	Registry   *router.Registry
	Breakers   *circuit.Set
	Limiter    *circuit.Limiter
	Cache      *cache.Engine
	Ledger     *ledger.Ledger
	Health     *health.Tracker
	Metrics    *metrics.Registry
	EventBus   *events.Bus
	Logger     *slog.Logger
}

// NewHandler builds the chi router with the standard middleware stack.
func NewHandler(d Dependencies) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}))

	r.Get("/healthz", HealthzHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", DispatchHandler(d))
		r.Post("/dispatch/stream", DispatchStreamHandler(d))
		r.Get("/usage", UsageHandler(d))
		r.Get("/usage/export", UsageExportHandler(d))
		r.Get("/budgets", BudgetsHandler(d))
		r.Get("/cache/stats", CacheStatsHandler(d))
		r.Get("/providers", ProvidersHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	return r
}

// jsonError writes a JSON-encoded error response with the given status code.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HealthzHandler reports liveness plus provider health detail.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var providers []health.Stats
		if d.Health != nil {
			providers = d.Health.AllStats()
		}
		writeJSON(w, map[string]any{
			"status":    "ok",
			"providers": providers,
		})
	}
}
