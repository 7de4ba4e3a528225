package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/auth"
	"github.com/gantrylabs/gantry/pkg/evaluation"
	"github.com/gantrylabs/gantry/pkg/queue"
)

func (s *Server) mountEvaluation(r chi.Router) {
	r.Post("/run/{suite}", s.handleRunSuite)
	r.Get("/runs", s.handleListEvalRuns)
	r.Get("/runs/{id}", s.handleGetEvalRun)
}

type runSuiteRequest struct {
	// Tag selects the component version under test; empty means live.
	Tag string `json:"tag,omitempty"`
	// Queued hands the run to a worker instead of running inline.
	Queued bool `json:"queued,omitempty"`
}

func (s *Server) handleRunSuite(w http.ResponseWriter, r *http.Request) {
	suite := chi.URLParam(r, "suite")
	var req runSuiteRequest
	if r.ContentLength != 0 {
		if err := decodeValid(w, r, &req); err != nil {
			api.MapError(w, err)
			return
		}
	}

	if req.Queued {
		if s.deps.Queue == nil {
			api.MapError(w, fmt.Errorf("%w: job queue is not configured", api.ErrUnavailable))
			return
		}
		payload, err := json.Marshal(evaluation.JobPayload{SuiteName: suite, Tag: req.Tag})
		if err != nil {
			api.MapError(w, err)
			return
		}
		headers := queue.Headers{CorrelationID: auth.CorrelationID(r.Context())}
		if actor := principalID(r); actor > 0 {
			headers.UserID = strconv.FormatInt(actor, 10)
		}
		jobID, err := s.deps.Queue.Enqueue(r.Context(), &queue.Envelope{
			JobType: queue.JobEvaluation,
			Payload: payload,
			Headers: headers,
		})
		if err != nil {
			s.logger.Error("enqueue evaluation job failed", "suite", suite, "error", err)
			api.MapError(w, fmt.Errorf("%w: job queue rejected the request", api.ErrUnavailable))
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": jobID,
			"status": "queued",
			"suite":  suite,
		})
		return
	}

	run, err := s.deps.Harness.RunSuite(r.Context(), suite, req.Tag)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListEvalRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		api.MapError(w, err)
		return
	}
	runs, err := s.deps.EvalRuns.List(r.Context(), r.URL.Query().Get("suite"), limit)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetEvalRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.EvalRuns.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, run)
}
