package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorClass classifies a provider failure for dispatch decisions.
type ErrorClass string

const (
	ErrRateLimited ErrorClass = "rate_limited"
	ErrTransient   ErrorClass = "transient"
	ErrAuthFailure ErrorClass = "auth_failure"
	ErrBadRequest  ErrorClass = "bad_request"
	ErrUnavailable ErrorClass = "unavailable"
	ErrCancelled   ErrorClass = "cancelled"
)

// Retryable reports whether the dispatcher may retry this class of failure on
// the same or another provider.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrRateLimited, ErrTransient, ErrUnavailable:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps a provider error with its dispatch classification.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int // seconds, from Retry-After when present
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// StatusError captures an HTTP status code from a provider response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter int // seconds, 0 if absent
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds or
// HTTP-date) into whole seconds.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		e.RetryAfter = secs
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfter = int(d.Seconds())
		}
	}
}

// Classify maps an adapter error onto the taxonomy. Adapters that already
// return a *ClassifiedError pass through unchanged; *StatusError is mapped by
// status code; context and network errors get their natural classes.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{Err: err, Class: ErrCancelled}
	}
	// A deadline hit is the adapter attempt timing out, which dispatch
	// treats as retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Err: err, Class: ErrTransient}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &ClassifiedError{Err: err, Class: ErrTransient}
	}

	return &ClassifiedError{Err: err, Class: ErrTransient}
}

func classifyStatus(se *StatusError) *ClassifiedError {
	ce := &ClassifiedError{Err: se, RetryAfter: se.RetryAfter}
	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		ce.Class = ErrRateLimited
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		ce.Class = ErrAuthFailure
	case se.StatusCode == http.StatusRequestTimeout:
		ce.Class = ErrTransient
	case se.StatusCode >= 500:
		ce.Class = ErrUnavailable
	case se.StatusCode >= 400:
		ce.Class = ErrBadRequest
	default:
		ce.Class = ErrTransient
	}
	return ce
}
