// Package llm selects and wraps the completion providers that turn an
// assembled prompt into an answer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
	"github.com/cloudvelous/ragloop/internal/ratecontrol"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderStub   = "stub"
)

// Request is one completion request assembled by the generation layer.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is a provider answer plus usage accounting.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider produces completions. Implementations own their model and
// sampling defaults; a zero Request.MaxTokens falls back to the configured
// limit.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ProviderError carries the upstream failure detail plus whether another
// attempt could succeed.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether a completion error is worth another attempt.
// Cancellation and open circuit breakers are terminal; the caller checks
// its own deadline separately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Config selects and tunes the completion provider.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewProvider builds the configured provider and wraps it with request
// pacing so a burst of asks cannot blow through upstream rate limits.
func NewProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var p Provider
	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI, "":
		p, err = newOpenAIProvider(cfg, logger)
	case ProviderGemini:
		p, err = newGeminiProvider(cfg, logger)
	case ProviderStub:
		p = NewStub(cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return newPacedProvider(p), nil
}

// pacedProvider spaces completions out under the provider's RPM limit and
// adds a token-proportional delay for its TPM limit.
type pacedProvider struct {
	Provider
	limiter *rate.Limiter
}

func newPacedProvider(p Provider) Provider {
	limit := ratecontrol.LimitForProvider(p.Name())
	if limit.RPM <= 0 && limit.TPM <= 0 {
		return p
	}

	var limiter *rate.Limiter
	if limit.RPM > 0 {
		perSecond := float64(limit.RPM) / 60.0
		burst := limit.RPM / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &pacedProvider{Provider: p, limiter: limiter}
}

func (p *pacedProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if delay := ratecontrol.DelayForTokens(p.Name(), estimateTokens(req)); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return p.Provider.Complete(ctx, req)
}

// estimateTokens approximates the request size with the usual four
// characters per token heuristic.
func estimateTokens(req Request) int {
	return (len(req.System) + len(req.Prompt)) / 4
}
