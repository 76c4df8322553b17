// Package worker provides the HTTP service that ingests keywords, runs
// grouping and serves outlines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/kwgroup/internal/config"
	"github.com/thebtf/kwgroup/internal/db/gorm"
	"github.com/thebtf/kwgroup/internal/embedding"
	"github.com/thebtf/kwgroup/internal/grouping"
	"github.com/thebtf/kwgroup/internal/keywords"
	"github.com/thebtf/kwgroup/internal/worker/sse"
)

// CacheStatser is implemented by embedders that track cache hits.
type CacheStatser interface {
	Stats() embedding.CacheStats
}

// Deps are the collaborators the service is built from. Store, Engine and
// Normalizer are required.
type Deps struct {
	Store      *gorm.Store
	Engine     *grouping.Engine
	Normalizer *keywords.Normalizer
	Validator  *keywords.Validator
	Cache      CacheStatser
}

// Service is the kwgroup worker.
type Service struct {
	startTime      time.Time
	ctx            context.Context
	validator      *keywords.Validator
	cache          CacheStatser
	config         *config.Config
	store          *gorm.Store
	keywordStore   *gorm.KeywordStore
	groupStore     *gorm.GroupStore
	outlineStore   *gorm.OutlineStore
	userStore      *gorm.UserStore
	engine         *grouping.Engine
	sseBroadcaster *sse.Broadcaster
	router         *chi.Mux
	server         *http.Server
	cancel         context.CancelFunc
	normalizer     atomic.Pointer[keywords.Normalizer]
	runs           singleflight.Group
	version        string
	ready          atomic.Bool
}

// NewService wires the stores and routes. The service is not ready until
// Start is called.
func NewService(version string, cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Engine == nil || deps.Normalizer == nil {
		return nil, errors.New("worker: store, engine and normalizer are required")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		version:        version,
		config:         cfg,
		store:          deps.Store,
		keywordStore:   gorm.NewKeywordStore(deps.Store),
		groupStore:     gorm.NewGroupStore(deps.Store),
		outlineStore:   gorm.NewOutlineStore(deps.Store),
		userStore:      gorm.NewUserStore(deps.Store),
		engine:         deps.Engine,
		validator:      deps.Validator,
		cache:          deps.Cache,
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	svc.normalizer.Store(deps.Normalizer)
	svc.setupRoutes()
	svc.server = &http.Server{
		Handler:           svc.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return svc, nil
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler { return s.router }

// Broadcaster returns the SSE broadcaster.
func (s *Service) Broadcaster() *sse.Broadcaster { return s.sseBroadcaster }

// SetNormalizer swaps the keyword normalizer used for new ingestions.
func (s *Service) SetNormalizer(n *keywords.Normalizer) {
	if n != nil {
		s.normalizer.Store(n)
	}
}

// ReloadRules re-reads the alias rules file and swaps the normalizer.
// On error the current rules stay in effect.
func (s *Service) ReloadRules(path string) error {
	rules, err := keywords.LoadRules(path)
	if err != nil {
		return err
	}
	s.SetNormalizer(keywords.NewNormalizer(rules, s.config.IgnoredKeywords))
	log.Info().Str("path", path).Int("aliases", len(rules.Aliases)).Msg("Keyword rules reloaded")
	return nil
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", serveIndex)
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Post("/api/keywords", s.handleAddKeywords)
		r.Get("/api/keywords/pending", s.handlePendingKeywords)
		r.Post("/api/groups", s.handleGroup)
		r.Post("/api/groups/preview", s.handlePreviewGroups)
		r.Get("/api/groups/latest", s.handleLatestGroups)
		r.Get("/api/groups/{runID}", s.handleGetRun)
		r.Get("/api/runs", s.handleListRuns)
		r.Post("/api/outlines", s.handleGenerateOutlines)
		r.Post("/api/outlines/refine", s.handleRefineOutlines)
		r.Get("/api/history", s.handleHistory)
		r.Put("/api/users/{owner}/email", s.handleSetEmail)
		r.Get("/api/users/{owner}/email", s.handleGetEmail)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/events", s.sseBroadcaster.HandleSSE)
	})
}

// Start marks the service ready and serves HTTP on the configured address
// until Shutdown.
func (s *Service) Start() error {
	addr := net.JoinHostPort(s.config.WorkerHost, fmt.Sprintf("%d", s.config.WorkerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Shutdown. It returns at once if Shutdown
// has already been called.
func (s *Service) Serve(ln net.Listener) error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.ready.Store(true)
	log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("Worker listening")

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()
	return s.server.Shutdown(ctx)
}

func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "worker is starting", "unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("requestId", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
