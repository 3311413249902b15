package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tarungka/telepipe/pipeline"
)

func (s *Server) pipelineRouter() chi.Router {
	router := chi.NewRouter()

	router.Post("/", s.createPipeline())
	router.Get("/", s.listPipelines())
	router.Route("/{run_id}", func(r chi.Router) {
		r.Get("/", s.getPipeline())
		r.Post("/pause", s.control(s.manager.Pause))
		r.Post("/resume", s.control(s.manager.Resume))
		r.Post("/stop", s.control(s.manager.Stop))
	})

	return router
}

func (s *Server) createPipeline() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CreatePipelineModel
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			SendResponseWithHeader(w, false, nil, "malformed request body: "+err.Error(), http.StatusBadRequest, nil)
			return
		}
		info, err := s.manager.StartConfig(body)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, pipeline.ErrShutdown) {
				status = http.StatusServiceUnavailable
			}
			SendResponseWithHeader(w, false, nil, err.Error(), status, nil)
			return
		}
		s.logger.Debug().Str("run", info.ID).Msgf("started pipeline '%s' on request", info.Pipeline)
		SendResponseWithHeader(w, true, info, "", http.StatusCreated, map[string]string{
			"Location": "/pipelines/" + info.ID,
		})
	}
}

func (s *Server) listPipelines() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.manager.List()
		if err != nil {
			SendError(w, err)
			return
		}
		SendResponse(w, true, runs, "")
	}
}

func (s *Server) getPipeline() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.manager.Get(chi.URLParam(r, "run_id"))
		if err != nil {
			SendError(w, err)
			return
		}
		SendResponse(w, true, info, "")
	}
}

func (s *Server) control(op func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "run_id")
		if err := op(id); err != nil {
			SendError(w, err)
			return
		}
		info, err := s.manager.Get(id)
		if err != nil {
			SendError(w, err)
			return
		}
		SendResponse(w, true, info, "")
	}
}
