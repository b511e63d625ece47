// Package generation assembles RAG prompts and drives the completion
// provider with bounded retries.
package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/llm"
	"github.com/cloudvelous/ragloop/internal/metrics"
	"github.com/cloudvelous/ragloop/internal/retrieval"
	"github.com/cloudvelous/ragloop/internal/trace"
)

const systemPrompt = `You are Cloudvelous Chat Assistant, an AI helper that answers questions about Cloudvelous repositories and projects.

Your task is to provide accurate, helpful answers based on the provided context from repository documentation and code.

Guidelines:
1. Answer based ONLY on the provided context
2. If the context doesn't contain enough information, say so clearly
3. Cite sources by mentioning the repository and file names
4. Be concise but thorough
5. Format your response clearly with proper markdown if needed
6. If the question is unclear, ask for clarification`

// GeneratorError marks a completion that failed after every attempt.
type GeneratorError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s) on %s: %v", e.Attempts, e.Provider, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// Config tunes retry behaviour. MaxRetries counts additional attempts
// after the first; Backoff doubles per retry.
type Config struct {
	MaxRetries int
	Backoff    time.Duration
}

// Generator turns a query plus its retrieval results into an answer.
type Generator struct {
	provider llm.Provider
	cfg      Config
	logger   *zap.Logger
}

func NewGenerator(provider llm.Provider, cfg Config, logger *zap.Logger) *Generator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	return &Generator{provider: provider, cfg: cfg, logger: logger}
}

// Result carries the answer and its provenance.
type Result struct {
	Answer       string
	Provider     string
	Model        string
	ElapsedMs    float64
	InputTokens  int
	OutputTokens int
}

// Generate builds the prompt from the retrieved chunks and calls the
// provider. Transient failures are retried with exponential backoff;
// terminal errors and exhausted budgets surface as GeneratorError.
func (g *Generator) Generate(ctx context.Context, query string, results []retrieval.Result, tracer *trace.Tracer) (*Result, error) {
	req := llm.Request{System: systemPrompt, Prompt: BuildPrompt(query, results)}

	stepStart := tracer.StartStep()
	start := time.Now()

	var completion *llm.Completion
	var err error
	attempts := 0
	backoff := g.cfg.Backoff
retry:
	for {
		attempts++
		completion, err = g.provider.Complete(ctx, req)
		if err == nil {
			break
		}
		if attempts > g.cfg.MaxRetries || !llm.IsRetryable(err) {
			break
		}
		metrics.ProviderRetries.Inc()
		g.logger.Warn("completion attempt failed, retrying",
			zap.String("provider", g.provider.Name()),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordProviderCall(g.provider.Name(), "error", elapsed.Seconds())
		tracer.EndStep(trace.StepGeneration, stepStart, map[string]interface{}{
			"attempts": attempts,
			"error":    err.Error(),
		})
		return nil, &GeneratorError{Provider: g.provider.Name(), Attempts: attempts, Err: err}
	}

	metrics.RecordProviderCall(g.provider.Name(), "ok", elapsed.Seconds())
	tracer.SetLLMInfo(g.provider.Name(), completion.Model)
	tracer.EndStep(trace.StepGeneration, stepStart, map[string]interface{}{
		"attempts":      attempts,
		"input_tokens":  completion.InputTokens,
		"output_tokens": completion.OutputTokens,
	})

	return &Result{
		Answer:       completion.Text,
		Provider:     g.provider.Name(),
		Model:        completion.Model,
		ElapsedMs:    float64(elapsed) / float64(time.Millisecond),
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}, nil
}

// BuildPrompt enumerates the retrieved chunks with their provenance and
// closes with the question.
func BuildPrompt(query string, results []retrieval.Result) string {
	blocks := make([]string, 0, len(results))
	for _, res := range results {
		blocks = append(blocks, fmt.Sprintf("[Source: %s/%s]\n%s\n", res.Chunk.RepoName, res.Chunk.FilePath, res.Chunk.Content))
	}
	contextText := strings.Join(blocks, "\n---\n")

	return fmt.Sprintf("Context from repositories:\n\n%s\n\nQuestion: %s\n\nPlease provide a detailed answer based on the context above.", contextText, query)
}
