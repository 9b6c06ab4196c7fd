package domain

import (
	"errors"
	"fmt"
)

// ErrCacheMiss is returned when no cache entry has been computed yet for a subject.
var ErrCacheMiss = errors.New("no cached result yet")

// ErrUnsupported is returned by a provider for a definitive "this ticker is not covered"
// answer (404, plan restriction, empty payload). It is not retryable on the same provider.
var ErrUnsupported = errors.New("ticker not supported by provider")

// ErrAlreadyCalculating is returned when another process holds the calculation lease.
var ErrAlreadyCalculating = errors.New("calculation already in progress")

// ProviderUnavailableError is a transient upstream failure (timeout, 5xx, 429, budget).
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("price providers unavailable: %v", e.Err)
	}
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// NoDataError means no provider covers the instrument. This is an expected terminal state.
type NoDataError struct {
	Ticker string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no price data available for %s", e.Ticker)
}

// InsufficientHistoryError reports how many observations exist versus how many are needed.
type InsufficientHistoryError struct {
	Ticker string
	Have   int
	Need   int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s: have %d observations, need %d", e.Ticker, e.Have, e.Need)
}

// RetryExhaustedError is reported for cache entries that reached the retry ceiling.
type RetryExhaustedError struct {
	Key        string
	RetryCount int
	LastError  string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %s", e.Key, e.RetryCount, e.LastError)
}

// IsNoData reports whether err carries a NoDataError
func IsNoData(err error) bool {
	var target *NoDataError
	return errors.As(err, &target)
}

// IsInsufficientHistory reports whether err carries an InsufficientHistoryError
func IsInsufficientHistory(err error) bool {
	var target *InsufficientHistoryError
	return errors.As(err, &target)
}

// IsProviderUnavailable reports whether err carries a ProviderUnavailableError
func IsProviderUnavailable(err error) bool {
	var target *ProviderUnavailableError
	return errors.As(err, &target)
}

// ErrorKind is the stable machine-readable name stored with failed cache entries.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNoData(err):
		return "no_data"
	case IsInsufficientHistory(err):
		return "insufficient_history"
	case IsProviderUnavailable(err):
		return "provider_unavailable"
	case errors.Is(err, ErrCacheMiss):
		return "cache_miss"
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return "retry_exhausted"
	}
	return "internal"
}
