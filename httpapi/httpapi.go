// Package httpapi is a reference implementation of the analysis service the
// job client talks to. It streams progress for each question and ends with
// the collected results.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jxucoder/intake/backend"
	"github.com/jxucoder/intake/internal/config"
	intakelog "github.com/jxucoder/intake/internal/log"
	"github.com/jxucoder/intake/model"
	"github.com/jxucoder/intake/sse"
)

// Analyzer answers the questions of req, reporting through emit. Analyze
// returns after emitting a complete event, or with an error.
type Analyzer interface {
	Analyze(ctx context.Context, req model.AnalysisRequest, emit func(model.Event) error) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l.Named("httpapi") }
}

// Handler provides the HTTP API of the reference service.
type Handler struct {
	analyzer  Analyzer
	questions *config.QuestionSet
	logger    *zap.Logger
	router    chi.Router

	mu       sync.Mutex
	sessions map[string]time.Time // last analysis per session
}

// New creates a Handler. qs supplies the default questions and the folder list.
func New(analyzer Analyzer, qs *config.QuestionSet, opts ...Option) *Handler {
	h := &Handler{
		analyzer:  analyzer,
		questions: qs,
		logger:    zap.NewNop(),
		sessions:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

// Sessions returns the ids of sessions that have analysed and not been
// cleaned up.
func (h *Handler) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(intakelog.Middleware(h.logger, "http"))
	r.Use(middleware.Recoverer)

	r.Post(backend.AnalyzePath, h.handleAnalyze)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get(backend.FoldersPath, h.handleFolders)
		r.Post(backend.CleanupPath, h.handleCleanup)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// --- Request/Response types ---

type cleanupRequest struct {
	SessionID string `json:"session_id"`
}

type cleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type foldersResponse struct {
	Folders []model.Folder `json:"folders"`
}

type resultsResponse struct {
	Results map[string]json.RawMessage `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req model.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	if len(req.Questions) == 0 {
		req.Questions = h.questions.Questions
	}
	folder, err := h.resolveFolder(req.Folder)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Folder = folder

	if req.SessionID != "" {
		h.mu.Lock()
		h.sessions[req.SessionID] = time.Now()
		h.mu.Unlock()
	}

	if !strings.Contains(r.Header.Get("Accept"), backend.EventStreamType) {
		h.analyzeOnce(w, r, req)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", backend.EventStreamType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev model.Event) error {
		if err := writeSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := h.analyzer.Analyze(r.Context(), req, emit); err != nil {
		if r.Context().Err() != nil {
			h.logger.Debug("client went away", zap.String("session_id", req.SessionID))
			return
		}
		h.logger.Warn("analysis failed", zap.String("session_id", req.SessionID), zap.Error(err))
		if err := emit(model.ErrorEvent{Message: err.Error()}); err != nil {
			h.logger.Debug("writing error event", zap.Error(err))
		}
	}
}

// analyzeOnce serves clients that did not ask for an event stream with a
// single JSON document.
func (h *Handler) analyzeOnce(w http.ResponseWriter, r *http.Request, req model.AnalysisRequest) {
	var results map[string]json.RawMessage
	emit := func(ev model.Event) error {
		if c, ok := ev.(model.CompleteEvent); ok {
			results = c.Results
		}
		return nil
	}
	if err := h.analyzer.Analyze(r.Context(), req, emit); err != nil {
		h.logger.Warn("analysis failed", zap.String("session_id", req.SessionID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		h.writeError(w, http.StatusInternalServerError, "analysis produced no results")
		return
	}
	h.writeJSON(w, http.StatusOK, resultsResponse{Results: results})
}

func (h *Handler) handleFolders(w http.ResponseWriter, r *http.Request) {
	folders := h.questions.Folders
	if folders == nil {
		folders = []model.Folder{}
	}
	h.writeJSON(w, http.StatusOK, foldersResponse{Folders: folders})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "No session ID provided")
		return
	}

	h.mu.Lock()
	_, known := h.sessions[req.SessionID]
	delete(h.sessions, req.SessionID)
	h.mu.Unlock()

	h.logger.Info("session cleaned up", zap.String("session_id", req.SessionID), zap.Bool("known", known))
	msg := fmt.Sprintf("Session %s cleaned up successfully", req.SessionID)
	if !known {
		msg = fmt.Sprintf("No resources found for session %s", req.SessionID)
	}
	h.writeJSON(w, http.StatusOK, cleanupResponse{Success: true, Message: msg})
}

// resolveFolder maps the requested folder onto a configured one, defaulting
// to the first configured folder.
func (h *Handler) resolveFolder(f *model.Folder) (*model.Folder, error) {
	if f == nil || f.ID == "" {
		if len(h.questions.Folders) == 0 {
			return nil, nil
		}
		def := h.questions.Folders[0]
		return &def, nil
	}
	known, ok := h.questions.Folder(f.ID)
	if !ok {
		return nil, fmt.Errorf("unknown folder %q", f.ID)
	}
	return &known, nil
}

// --- Helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		h.logger.Warn("writeJSON encode error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, ev model.Event) error {
	data, err := sse.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}
	_, err = w.Write(data)
	return err
}
