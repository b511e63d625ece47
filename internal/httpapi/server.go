package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/ask"
	"github.com/cloudvelous/ragloop/internal/auth"
	"github.com/cloudvelous/ragloop/internal/events"
	"github.com/cloudvelous/ragloop/internal/feedback"
	"github.com/cloudvelous/ragloop/internal/store"
)

// Asker runs the ask pipeline.
type Asker interface {
	Ask(ctx context.Context, req ask.Request) (*ask.Response, error)
}

// FeedbackProcessor applies the learning loop.
type FeedbackProcessor interface {
	Apply(ctx context.Context, req feedback.Request) (*feedback.Outcome, error)
	ApplyBulk(ctx context.Context, reqs []feedback.Request) *feedback.BulkOutcome
}

// Embedder turns text into a vector for the workflow search and the
// session comparison endpoints.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
}

// Store is the admin-facing slice of the persistence layer.
type Store interface {
	GetSession(ctx context.Context, id int64) (*store.Session, error)
	GetSessionLinks(ctx context.Context, sessionID int64) ([]store.LinkDetail, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) (*store.SessionPage, error)
	GetStats(ctx context.Context) (*store.Stats, error)
	TopChunksByUsefulness(ctx context.Context, n int) ([]store.Chunk, error)
	GetChunk(ctx context.Context, id int64) (*store.Chunk, error)
	SetWeight(ctx context.Context, chunkID int64, weight float64) error
	GetMemoryBySession(ctx context.Context, sessionID int64) (*store.WorkflowMemory, error)
	SearchMemories(ctx context.Context, queryVec []float32, opts store.MemorySearchOptions) ([]store.MemorySearchResult, error)
}

// ReadyCheck reports whether one dependency can serve traffic.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the server's static settings. Weight bounds are fixed at
// boot; the hot-reloadable knobs live behind the engine's config funcs.
type Config struct {
	Port           int
	WeightMin      float64
	WeightMax      float64
	EmbeddingModel string
}

// Deps bundles the engine pieces the API fronts.
type Deps struct {
	Asker    Asker
	Feedback FeedbackProcessor
	Store    Store
	Embedder Embedder
	Auth     *auth.Manager
	AuthMW   *auth.Middleware
	Hub      *events.Hub
	Limiter  *RateLimiter
	Ready    []ReadyCheck
}

// Server exposes the ask pipeline and the admin training surface over HTTP.
type Server struct {
	cfg      Config
	asker    Asker
	feedback FeedbackProcessor
	store    Store
	embedder Embedder
	manager  *auth.Manager
	authmw   *auth.Middleware
	hub      *events.Hub
	limiter  *RateLimiter
	ready    []ReadyCheck
	logger   *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		asker:    deps.Asker,
		feedback: deps.Feedback,
		store:    deps.Store,
		embedder: deps.Embedder,
		manager:  deps.Auth,
		authmw:   deps.AuthMW,
		hub:      deps.Hub,
		limiter:  deps.Limiter,
		ready:    deps.Ready,
		logger:   logger,
	}
}

// Handler builds the full routing table wrapped in the middleware chain
// recovery -> request id -> access log.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("POST /api/auth/token", s.handleToken)

	mux.Handle("POST /api/ask", s.limiter.Middleware(http.HandlerFunc(s.handleAsk)))

	admin := s.authmw.RequireAdmin
	mux.Handle("GET /api/admin/sessions", admin(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /api/admin/stats", admin(http.HandlerFunc(s.handleStats)))
	mux.Handle("PATCH /api/admin/chunks/{id}/weight", admin(http.HandlerFunc(s.handleSetWeight)))
	mux.Handle("GET /api/embedding-inspector/{id}", admin(http.HandlerFunc(s.handleInspect)))
	mux.Handle("POST /api/embedding-inspector/compare", admin(http.HandlerFunc(s.handleCompare)))
	mux.Handle("POST /api/training/feedback", admin(http.HandlerFunc(s.handleFeedback)))
	mux.Handle("POST /api/training/feedback/bulk", admin(http.HandlerFunc(s.handleFeedbackBulk)))
	mux.Handle("POST /api/workflows/search", admin(http.HandlerFunc(s.handleWorkflowSearch)))
	mux.Handle("GET /api/stream/events", admin(http.HandlerFunc(s.handleStream)))

	var h http.Handler = mux
	h = s.accessLog(h)
	h = requestID(h)
	h = s.recovery(h)
	return h
}

// Start runs the API server in the background and returns it for shutdown.
// The write timeout leaves room for the slowest allowed generation.
func (s *Server) Start() *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		s.logger.Info("starting API server", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
	return srv
}
