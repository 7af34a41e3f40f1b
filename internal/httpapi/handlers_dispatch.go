package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/llmrelay/relay/internal/adapter"
	"github.com/llmrelay/relay/internal/ledger"
	"github.com/llmrelay/relay/internal/router"
)

// DispatchRequest is the JSON body for the dispatch endpoints.
type DispatchRequest struct {
	adapter.Request

	Provider             string   `json:"provider,omitempty"`
	UserID               string   `json:"user_id,omitempty"`
	Require              []string `json:"require,omitempty"`
	EstimatedInputTokens int      `json:"estimated_input_tokens,omitempty"`
	BudgetOverride       bool     `json:"budget_override,omitempty"`
	SkipCache            bool     `json:"skip_cache,omitempty"`
}

func (r DispatchRequest) toRouter(requestID string) *router.Request {
	require := make([]adapter.Capability, len(r.Require))
	for i, c := range r.Require {
		require[i] = adapter.Capability(c)
	}
	return &router.Request{
		Request:              r.Request,
		RequestID:            requestID,
		Provider:             r.Provider,
		UserID:               r.UserID,
		Require:              require,
		EstimatedInputTokens: r.EstimatedInputTokens,
		BudgetOverride:       r.BudgetOverride,
		SkipCache:            r.SkipCache,
	}
}

// writeDispatchError maps dispatch failures onto HTTP status codes.
func writeDispatchError(w http.ResponseWriter, err error) {
	var be *ledger.BudgetExceededError
	if errors.As(err, &be) {
		jsonError(w, be.Error(), http.StatusPaymentRequired)
		return
	}
	var pu *router.ProviderUnavailableError
	if errors.Is(err, router.ErrNoEligibleProviders) || errors.As(err, &pu) {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	var df *router.DispatchFailedError
	if errors.As(err, &df) {
		jsonError(w, df.Error(), http.StatusBadGateway)
		return
	}
	switch adapter.Classify(err).Class {
	case adapter.ErrBadRequest:
		jsonError(w, err.Error(), http.StatusBadRequest)
	case adapter.ErrCancelled:
		// The client went away; the status is best-effort.
		jsonError(w, err.Error(), http.StatusRequestTimeout)
	default:
		jsonError(w, err.Error(), http.StatusBadGateway)
	}
}

func decodeDispatchRequest(w http.ResponseWriter, r *http.Request) (DispatchRequest, bool) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "bad json", http.StatusBadRequest)
		return req, false
	}
	if len(req.Messages) == 0 {
		jsonError(w, "messages required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// DispatchHandler serves blocking dispatches.
func DispatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeDispatchRequest(w, r)
		if !ok {
			return
		}

		resp, err := d.Dispatcher.Dispatch(r.Context(), req.toRouter(middleware.GetReqID(r.Context())))
		if err != nil {
			writeDispatchError(w, err)
			return
		}

		recordDispatchMetrics(d, resp, true)
		writeJSON(w, resp)
	}
}

// DispatchStreamHandler serves streaming dispatches over SSE. Fragments are
// sent as "fragment" events; the assembled result follows as a final
// "response" event. A failure after delivery surfaces as an "error" event
// since the status line is already gone.
func DispatchStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeDispatchRequest(w, r)
		if !ok {
			return
		}

		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		started := false
		startSSE := func() {
			if started {
				return
			}
			started = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
		}

		sink := adapter.SinkFunc(func(f adapter.Fragment) error {
			startSSE()
			payload, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: fragment\ndata: %s\n\n", payload); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})

		resp, err := d.Dispatcher.DispatchStream(r.Context(), req.toRouter(middleware.GetReqID(r.Context())), sink)
		if err != nil {
			if !started {
				writeDispatchError(w, err)
				return
			}
			_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", errJSON(err))
			flusher.Flush()
			return
		}

		startSSE()
		recordDispatchMetrics(d, resp, true)
		payload, _ := json.Marshal(resp)
		_, _ = fmt.Fprintf(w, "event: response\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

func errJSON(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

func recordDispatchMetrics(d Dependencies, resp *router.Response, success bool) {
	if d.Metrics == nil || resp == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	if resp.Cached {
		outcome = "cached"
	}
	d.Metrics.DispatchesTotal.WithLabelValues(resp.Provider, resp.Model, outcome).Inc()
	d.Metrics.DispatchLatency.WithLabelValues(resp.Provider, resp.Model).Observe(resp.LatencyMs)
	if resp.CostUSD > 0 {
		d.Metrics.CostUSD.WithLabelValues(resp.Provider, resp.Model).Add(resp.CostUSD)
	}
	if resp.Usage.InputTokens > 0 {
		d.Metrics.TokensTotal.WithLabelValues(resp.Provider, resp.Model, "input").Add(float64(resp.Usage.InputTokens))
	}
	if resp.Usage.OutputTokens > 0 {
		d.Metrics.TokensTotal.WithLabelValues(resp.Provider, resp.Model, "output").Add(float64(resp.Usage.OutputTokens))
	}
}
