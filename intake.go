// Package intake is the top-level entry point for the intake analysis client.
//
// Use the Builder to compose a client application:
//
//	app, err := intake.NewBuilder().Build()
//	run, err := app.Client().Submit(ctx, app.Questions().Questions, nil)
//
// Or customize every component:
//
//	app, err := intake.NewBuilder().
//	    WithConfig(cfg).
//	    WithStore(myStore).
//	    WithBackend(myBackend).
//	    Build()
//
// BuildServer composes the reference analysis service instead.
package intake

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/intake/analysis"
	"github.com/jxucoder/intake/backend"
	"github.com/jxucoder/intake/httpapi"
	"github.com/jxucoder/intake/internal/config"
	"github.com/jxucoder/intake/session"
	"github.com/jxucoder/intake/store"
)

// Builder constructs an intake App or Server.
type Builder struct {
	config     *config.Config
	logger     *zap.Logger
	store      store.SlotStore
	backend    backend.Backend
	httpClient *http.Client
	questions  *config.QuestionSet
	analyzer   httpapi.Analyzer
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration. Without it, the zero Config is filled
// with defaults; use config.Load to read the environment.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithLogger sets the root logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithStore sets where the session record is persisted.
func (b *Builder) WithStore(s store.SlotStore) *Builder {
	b.store = s
	return b
}

// WithBackend sets the analysis service transport.
func (b *Builder) WithBackend(be backend.Backend) *Builder {
	b.backend = be
	return b
}

// WithHTTPClient sets the HTTP client of the default backend.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithQuestions sets the question set instead of loading it from config.
func (b *Builder) WithQuestions(qs *config.QuestionSet) *Builder {
	b.questions = qs
	return b
}

// WithAnalyzer sets the analyzer behind the reference server.
func (b *Builder) WithAnalyzer(a httpapi.Analyzer) *Builder {
	b.analyzer = a
	return b
}

// Build creates the client App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	if err := applyClientDefaults(b); err != nil {
		return nil, err
	}

	sessions := session.NewManager(b.store, b.backend,
		session.WithIdleTimeout(b.config.IdleTimeout),
		session.WithLogger(b.logger))
	client := analysis.New(b.backend, sessions,
		analysis.WithIdleTimeout(b.config.IdleTimeout),
		analysis.WithResultStore(b.store),
		analysis.WithLogger(b.logger))

	return &App{
		config:    b.config,
		logger:    b.logger,
		store:     b.store,
		client:    client,
		questions: b.questions,
	}, nil
}

// App is a composed analysis client.
type App struct {
	config    *config.Config
	logger    *zap.Logger
	store     store.SlotStore
	client    *analysis.Client
	questions *config.QuestionSet
}

// Client returns the job client.
func (a *App) Client() *analysis.Client { return a.client }

// Questions returns the configured question set.
func (a *App) Questions() *config.QuestionSet { return a.questions }

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.config }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Close stops the client and closes the store. The session stays persisted.
func (a *App) Close() error {
	return errors.Join(a.client.Close(), a.store.Close())
}

// BuildServer creates the reference analysis server.
func (b *Builder) BuildServer() (*Server, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	if b.analyzer == nil {
		b.analyzer = &httpapi.DummyAnalyzer{}
	}
	return &Server{
		config:  b.config,
		logger:  b.logger,
		handler: httpapi.New(b.analyzer, b.questions, httpapi.WithLogger(b.logger)),
	}, nil
}

// Server is the reference analysis service.
type Server struct {
	config  *config.Config
	logger  *zap.Logger
	handler *httpapi.Handler
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() *httpapi.Handler { return s.handler }

// Start serves on the configured address. Blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("intake server listening", zap.String("addr", s.config.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
