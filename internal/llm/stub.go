package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Stub returns deterministic canned answers. It backs tests and local
// development where no provider credentials exist.
type Stub struct {
	model string

	mu       sync.Mutex
	calls    []Request
	failures int
	failWith error
}

func NewStub(model string) *Stub {
	if model == "" {
		model = "stub-1"
	}
	return &Stub{model: model}
}

func (s *Stub) Name() string  { return ProviderStub }
func (s *Stub) Model() string { return s.model }

// FailNext makes the next n completions return err.
func (s *Stub) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failWith = err
}

// Calls returns the requests observed so far.
func (s *Stub) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Stub) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.failures > 0 {
		s.failures--
		return nil, s.failWith
	}

	sources := strings.Count(req.Prompt, "[Source:")
	answer := fmt.Sprintf("Based on %d retrieved sections, see the cited sources for details.", sources)
	return &Completion{
		Text:         answer,
		Model:        s.model,
		InputTokens:  estimateTokens(req),
		OutputTokens: len(answer) / 4,
	}, nil
}
