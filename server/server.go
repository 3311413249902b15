// Package server exposes the pipeline manager over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/pipeline"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	manager *pipeline.Manager
	logger  zerolog.Logger
	router  chi.Router
}

func New(manager *pipeline.Manager) *Server {
	s := &Server{
		manager: manager,
		logger:  logger.Component("http"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.CleanPath)

	router.Mount("/pipelines", s.pipelineRouter())
	router.Get("/operators", s.listOperators())
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on lis until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(lis)
	}()
	s.logger.Info().Msgf("Running the web server on: %s", lis.Addr())

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listOperators() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendResponse(w, true, OperatorsModel{Operators: s.manager.Factory().Names()}, "")
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrInvalidConfig), errors.Is(err, pipeline.ErrSyntax):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
