package router

import (
	"errors"
	"fmt"
)

// ErrNoEligibleProviders is returned when selection produces an empty
// attempt list.
var ErrNoEligibleProviders = errors.New("no eligible providers")

// ProviderUnavailableError reports that a provider could not admit the
// request (circuit open or load ceiling reached).
type ProviderUnavailableError struct {
	Provider string
	Reason   string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

// DispatchFailedError is the terminal error after the attempt list and retry
// budget are exhausted. It carries the last underlying error.
type DispatchFailedError struct {
	Attempts int
	LastErr  error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *DispatchFailedError) Unwrap() error { return e.LastErr }
