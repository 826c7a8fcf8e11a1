package oracle

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Callers classify with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	ErrAssetNotSupported  = errors.New("asset not supported")
	ErrPriceStale         = errors.New("price is stale")
	ErrNoValidPrice       = errors.New("no valid price available")
	ErrAllSourcesFailed   = errors.New("all price sources failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrNotTriggered       = errors.New("circuit breaker not triggered")
	ErrCooldownNotElapsed = errors.New("circuit breaker cooldown not elapsed")
	ErrInvalidConfig      = errors.New("invalid configuration value")
	ErrDeviationOverflow  = errors.New("deviation computation overflow")
)

// NormalizationError reports a raw source value that cannot be scaled
// to the canonical representation.
type NormalizationError struct {
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed: %s", e.Reason)
}
