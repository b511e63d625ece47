package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an HTTP client with a circuit breaker. One wrapper per
// upstream service so failures are isolated.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	logger  *zap.Logger
	service string
}

// NewHTTPWrapper creates an HTTP client wrapper with circuit breaker
func NewHTTPWrapper(service string, timeout time.Duration, logger *zap.Logger) *HTTPWrapper {
	cb := NewCircuitBreaker("http-"+service, GetHTTPConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("http", service, cb)

	return &HTTPWrapper{
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
		logger:  logger,
		service: service,
	}
}

// httpStatusError marks a 5xx response so the breaker counts it as a
// failure. The response is still handed back to the caller.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// Do executes an HTTP request through the circuit breaker. Server errors
// (5xx) count against the breaker; client errors (4xx) do not.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var reqErr error
	cbErr := hw.cb.Execute(req.Context(), func() error {
		resp, reqErr = hw.client.Do(req)
		if reqErr != nil {
			return reqErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{status: resp.StatusCode}
		}
		return nil
	})
	hw.record(cbErr == nil)

	if reqErr != nil {
		return nil, reqErr
	}
	if cbErr != nil {
		if _, ok := cbErr.(*httpStatusError); ok {
			// Breaker counted the 5xx; caller still gets the response.
			return resp, nil
		}
		return nil, cbErr
	}
	return resp, nil
}

func (hw *HTTPWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("http", hw.service, hw.cb.State(), success)
}

// Client returns the underlying HTTP client
func (hw *HTTPWrapper) Client() *http.Client {
	return hw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.State() == StateOpen
}
