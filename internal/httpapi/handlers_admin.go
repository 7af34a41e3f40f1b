package httpapi

import (
	"net/http"
	"time"
)

// parseRange reads from/to query parameters (RFC 3339). Defaults cover the
// trailing 24 hours.
func parseRange(r *http.Request) (from, to time.Time, err error) {
	to = time.Now().UTC()
	from = to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return
		}
	}
	return
}

// UsageHandler returns aggregated usage for a period, with a per-provider
// comparison alongside.
func UsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := parseRange(r)
		if err != nil {
			jsonError(w, "bad time range: "+err.Error(), http.StatusBadRequest)
			return
		}

		summary, err := d.Ledger.UsageByPeriod(r.Context(), from, to)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		comparison, err := d.Ledger.ProviderComparison(r.Context(), from, to)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"summary":    summary,
			"comparison": comparison,
		})
	}
}

// UsageExportHandler streams raw usage rows as JSON or CSV.
func UsageExportHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := parseRange(r)
		if err != nil {
			jsonError(w, "bad time range: "+err.Error(), http.StatusBadRequest)
			return
		}

		switch format := r.URL.Query().Get("format"); format {
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
			err = d.Ledger.ExportCSV(r.Context(), w, from, to)
		case "", "json":
			w.Header().Set("Content-Type", "application/json")
			err = d.Ledger.ExportJSON(r.Context(), w, from, to)
		default:
			jsonError(w, "unknown format "+format, http.StatusBadRequest)
			return
		}
		if err != nil {
			// Headers are gone; log and drop.
			d.Logger.Error("usage export failed", "error", err)
		}
	}
}

// BudgetsHandler reports the current state of every active budget scope. An
// optional repeated "user" query parameter adds per-user scopes.
func BudgetsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users := r.URL.Query()["user"]
		statuses, err := d.Ledger.BudgetStatuses(r.Context(), users...)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"budgets": statuses})
	}
}

// CacheStatsHandler reports hit/miss counters per tier.
func CacheStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Cache == nil {
			jsonError(w, "cache disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, d.Cache.Stats())
	}
}

// providerView is one row of the providers listing.
type providerView struct {
	Name         string   `json:"name"`
	Enabled      bool     `json:"enabled"`
	Models       []string `json:"models"`
	Capabilities []string `json:"capabilities"`
	CircuitState string   `json:"circuit_state"`
	InFlight     int      `json:"in_flight"`
	HealthState  string   `json:"health_state,omitempty"`
}

// ProvidersHandler lists registered providers with their runtime state.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := d.Registry.Names()
		views := make([]providerView, 0, len(names))
		for _, name := range names {
			p, ok := d.Registry.Get(name)
			if !ok {
				continue
			}
			desc := p.Describe()

			models := make([]string, 0, len(desc.Models))
			for id := range desc.Models {
				models = append(models, id)
			}
			caps := make([]string, 0, len(desc.Capabilities))
			for _, c := range desc.Capabilities.List() {
				caps = append(caps, string(c))
			}

			v := providerView{
				Name:         name,
				Enabled:      p.Enabled,
				Models:       models,
				Capabilities: caps,
			}
			if d.Breakers != nil {
				v.CircuitState = d.Breakers.Get(name).CurrentState().String()
			}
			if d.Limiter != nil {
				v.InFlight = d.Limiter.InFlight(name)
			}
			if d.Health != nil {
				v.HealthState = string(d.Health.GetStats(name).State)
			}
			views = append(views, v)
		}
		writeJSON(w, map[string]any{"providers": views})
	}
}
