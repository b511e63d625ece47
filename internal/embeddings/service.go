package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
	ometrics "github.com/cloudvelous/ragloop/internal/metrics"
	"github.com/cloudvelous/ragloop/internal/tracing"
)

// Service provides embedding generation with two cache tiers in front of
// the sidecar: an in-process LRU and an optional shared Redis cache.
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	cache  EmbeddingCache
	lru    *LocalLRU
	logger *zap.Logger
}

// Global singleton for simple wiring
var globalSvc *Service

func Initialize(cfg Config, cache EmbeddingCache, logger *zap.Logger) *Service {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "all-MiniLM-L6-v2"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 1024
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		cfg:    c,
		http:   circuitbreaker.NewHTTPWrapper("embedder", c.Timeout, logger),
		cache:  cache,
		lru:    NewLocalLRU(c.MaxLRU),
		logger: logger,
	}
	globalSvc = svc
	return svc
}

func Get() *Service { return globalSvc }

// GetConfig returns the current configuration
func (s *Service) GetConfig() Config {
	if s == nil {
		return Config{DefaultModel: "all-MiniLM-L6-v2"}
	}
	return s.cfg
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// GenerateEmbedding returns the vector for a single text
func (s *Service) GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}
	key := MakeKey(m, text)

	// LRU first
	if v, ok := s.lru.Get(ctx, key); ok {
		ometrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, nil
	}
	// Redis next
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			ometrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			return v, nil
		}
	}
	ometrics.EmbeddingCacheMisses.Inc()

	vecs, err := s.fetch(ctx, []string{text}, m)
	if err != nil {
		return nil, err
	}
	out := vecs[0]

	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// GenerateBatchEmbeddings generates embeddings for multiple texts, filling
// from the caches first and batching the remainder to the sidecar.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	results := make([][]float32, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(m, text)

		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				ometrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}
		ometrics.EmbeddingCacheMisses.Inc()

		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	for lo := 0; lo < len(uncachedTexts); lo += s.cfg.BatchSize {
		hi := lo + s.cfg.BatchSize
		if hi > len(uncachedTexts) {
			hi = len(uncachedTexts)
		}
		vecs, err := s.fetch(ctx, uncachedTexts[lo:hi], m)
		if err != nil {
			return nil, err
		}
		for j, out := range vecs {
			idx := uncachedIndices[lo+j]
			results[idx] = out

			key := MakeKey(m, uncachedTexts[lo+j])
			s.lru.Set(ctx, key, out, 30*time.Minute)
			if s.cache != nil {
				s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
			}
		}
	}

	return results, nil
}

// fetch calls the sidecar for the given texts and validates dimensions.
func (s *Service) fetch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "embeddings.fetch")
	defer span.End()

	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)
	payload := embedRequest{Texts: texts, Model: model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	// Inject W3C traceparent header
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		ometrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		ometrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		ometrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, embedding := range er.Embeddings {
		if s.cfg.Dimensions > 0 && len(embedding) != s.cfg.Dimensions {
			ometrics.RecordEmbedding(model, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.cfg.Dimensions)
		}
		vec := make([]float32, len(embedding))
		for j, f := range embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	ometrics.RecordEmbedding(model, "ok", time.Since(start).Seconds())
	return out, nil
}
