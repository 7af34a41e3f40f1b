package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/llmrelay/relay/internal/adapter"
	"github.com/llmrelay/relay/internal/events"
)

// countingSink wraps the caller's sink and counts fragments actually
// delivered. Failover is only legal while the count is zero.
type countingSink struct {
	inner     adapter.Sink
	delivered atomic.Int64
}

func (s *countingSink) Send(f adapter.Fragment) error {
	if err := s.inner.Send(f); err != nil {
		return err
	}
	s.delivered.Add(1)
	return nil
}

// DispatchStream runs one streaming request. It follows the same loop as
// Dispatch, except that once any fragment has reached the caller a failure
// terminates the call instead of failing over; the caller has already seen
// partial output that a different provider cannot continue.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *Request, sink adapter.Sink) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx = adapter.WithRequestID(ctx, req.RequestID)

	if d.ledger != nil {
		if err := d.ledger.CheckAdmission(ctx, req.UserID, req.BudgetOverride); err != nil {
			return nil, err
		}
	}

	counting := &countingSink{inner: sink}

	if t, ok := d.explicitTarget(req); ok {
		key, normalized := d.promptKey(req, t)
		if resp := d.streamFromCache(ctx, req, t, key, normalized, counting, 0); resp != nil {
			return resp, nil
		}
	}

	targets, err := d.selectTargets(req)
	if err != nil {
		return nil, err
	}
	d.sink.Emit(events.Event{
		Type:      events.TypeRoutingSelected,
		RequestID: req.RequestID,
		Provider:  targets[0].provider.Name,
		Model:     targets[0].model,
		Strategy:  string(d.strategy),
	})
	maxAttempts := d.cfg.Retry.MaxRetries
	var lastErr error
	prev := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t := targets[(attempt-1)%len(targets)]

		if attempt > 1 && t.provider.Name != prev {
			d.sink.Emit(events.Event{
				Type:      events.TypeFailoverAttempt,
				RequestID: req.RequestID,
				Attempt:   attempt,
				From:      prev,
				To:        t.provider.Name,
			})
		}

		key, normalized := d.promptKey(req, t)
		if resp := d.streamFromCache(ctx, req, t, key, normalized, counting, attempt); resp != nil {
			return resp, nil
		}

		resp, err := d.streamExecute(ctx, req, t, key, normalized, counting, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		prev = t.provider.Name

		class := adapter.Classify(err).Class
		if class == adapter.ErrCancelled {
			return nil, err
		}
		if counting.delivered.Load() > 0 {
			// Partial output already reached the caller; no re-dispatch.
			return nil, &DispatchFailedError{Attempts: attempt, LastErr: err}
		}
		var unavail *ProviderUnavailableError
		if errors.As(err, &unavail) {
			continue
		}
		if !class.Retryable() {
			return nil, err
		}
		if attempt < maxAttempts {
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, &DispatchFailedError{Attempts: maxAttempts, LastErr: lastErr}
}

// streamFromCache replays a cached response as a single text fragment plus a
// finish marker.
func (d *Dispatcher) streamFromCache(ctx context.Context, req *Request, t target, key, normalized string, sink adapter.Sink, attempt int) *Response {
	resp := d.cacheLookup(ctx, req, t, key, normalized, attempt)
	if resp == nil {
		return nil
	}
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentText, Text: resp.Content}); err != nil {
		d.logger.Warn("stream replay aborted by caller", "error", err)
		return resp
	}
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentFinish}); err != nil {
		d.logger.Warn("stream replay aborted by caller", "error", err)
	}
	return resp
}

func (d *Dispatcher) streamExecute(ctx context.Context, req *Request, t target, key, normalized string, sink adapter.Sink, attempt int) (*Response, error) {
	name := t.provider.Name
	br := d.breakers.Get(name)
	if !br.Allow() {
		return nil, &ProviderUnavailableError{Provider: name, Reason: "circuit open"}
	}
	if !d.limiter.TryAcquire(name) {
		br.RecordCancel()
		return nil, &ProviderUnavailableError{Provider: name, Reason: "load ceiling reached"}
	}

	timeout := d.cfg.AttemptTimeout
	if req.Thinking {
		timeout = d.cfg.ThinkingTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	areq := req.Request
	areq.Model = t.model

	start := time.Now()
	aresp, err := t.provider.Adapter.ExecuteStream(actx, areq, sink)
	latency := float64(time.Since(start).Microseconds()) / 1000
	d.limiter.Release(name)

	if err != nil {
		return nil, d.recordFailure(ctx, req, t, br, err, latency)
	}

	br.RecordSuccess()
	d.stats.get(name).recordSuccess(latency)
	cost := d.recordSuccess(ctx, req, t, aresp, latency)
	d.cacheStore(req, t, key, normalized, aresp, cost)

	return &Response{
		Response:  *aresp,
		RequestID: req.RequestID,
		Provider:  name,
		Model:     t.model,
		LatencyMs: latency,
		CostUSD:   cost,
		Attempts:  attempt,
	}, nil
}

// AssembleFragments is a helper for sinks that want the full text: it
// returns a Sink collecting text fragments into buf.
func AssembleFragments(buf *[]byte) adapter.Sink {
	return adapter.SinkFunc(func(f adapter.Fragment) error {
		if f.Kind == adapter.FragmentText {
			*buf = append(*buf, f.Text...)
		}
		return nil
	})
}

// MarshalFragment renders a fragment as its JSON wire form.
func MarshalFragment(f adapter.Fragment) []byte {
	b, _ := json.Marshal(f)
	return b
}
