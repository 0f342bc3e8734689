package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"doctranslate/internal/callback"
	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/metrics"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
)

// maxUploadBytes bounds a single document upload.
const maxUploadBytes = 64 << 20

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	return &apiServer{
		bind:   strings.TrimSpace(cfg.API.Bind),
		token:  strings.TrimSpace(cfg.API.Token),
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}
}

func (s *apiServer) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.token))

		r.Get("/api/status", s.handleStatus)

		r.Route("/api/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Put("/{id}/content", s.handleUpload)
		})

		r.Route("/api/readable/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateReadableJob)
			r.Get("/{id}/items", s.handleListItems)
			r.Post("/{id}/items", s.handleAddItem)
			r.Post("/{id}/items/{item}/generate", s.handleGenerateItem)
		})

		r.Delete("/api/objects/*", s.handleDeleteObject)
		r.Post("/api/events/external", s.handleExternalEvent)
		r.Post("/api/callbacks/{token}", s.handleCallback)

		r.Get("/api/executions", s.handleListExecutions)
		r.Post("/api/executions/{name}/abort", s.handleAbortExecution)
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server := s.server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.server = nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// fail maps store, engine and stage errors onto HTTP statuses.
func (s *apiServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobstore.ErrNotFound),
		errors.Is(err, objectstore.ErrNotFound),
		errors.Is(err, services.ErrNotFound),
		errors.Is(err, callback.ErrUnknownToken),
		errors.Is(err, engine.ErrUnknownPipeline):
		status = http.StatusNotFound
	case errors.Is(err, jobstore.ErrInvalid),
		errors.Is(err, objectstore.ErrInvalidKey),
		errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, jobstore.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, jobstore.ErrConditionFailed),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, callback.ErrOutstanding):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(s.logger, "api request failed", "api_request_failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return services.Wrap(services.ErrValidation, "api", "decode body", "", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
