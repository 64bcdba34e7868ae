package netbox

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerSettings returns settings tripping the breaker when at
// least 3 requests were seen in the interval and 60% of them failed.
// The result can be used as Options.CircuitBreakerSettings.
func NewCircuitBreakerSettings(name string, maxRequests uint32, interval, timeout time.Duration) *gobreaker.Settings {
	return &gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	}
}

func newCircuitBreaker(settings *gobreaker.Settings) *gobreaker.CircuitBreaker[any] {
	if settings == nil {
		return nil
	}
	st := *settings
	if st.IsSuccessful == nil {
		st.IsSuccessful = isBreakerSuccess
	}
	return gobreaker.NewCircuitBreaker[any](st)
}

// isBreakerSuccess counts only connection-level failures against the
// breaker. A server error proves the server is reachable.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}

	var (
		transportErr    *TransportError
		timeoutErr      *TimeoutError
		notConnectedErr *NotConnectedError
		protocolErr     *ProtocolError
	)
	switch {
	case errors.As(err, &timeoutErr),
		errors.As(err, &notConnectedErr),
		errors.As(err, &transportErr),
		errors.As(err, &protocolErr):
		return false
	default:
		return true
	}
}
