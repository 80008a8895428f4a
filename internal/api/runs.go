package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/engine"
	"github.com/JakeFAU/instrument-catalog/internal/progress"
)

const eventBuffer = 256

type startRunRequest struct {
	Source  string            `json:"source"`
	Name    string            `json:"name"`
	Filter  map[string]string `json:"filter"`
	Prefix  string            `json:"prefix"`
	Workers int               `json:"workers"`
}

type resumeRunRequest struct {
	Workers int `json:"workers"`
}

type runEvent struct {
	RunID string `json:"run_id"`
	progress.Event
}

// startRun handles POST /v1/runs. It returns 202 with {"run_id": ...} once
// the run is persisted; crawling continues in the background.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.Workers < 0 {
		writeError(w, http.StatusBadRequest, "workers must be >= 0")
		return
	}
	root := catalog.Segment{
		Source: req.Source,
		Filter: catalog.Predicate{Base: req.Filter, Prefix: req.Prefix},
	}
	runID, err := s.svc.StartRun(r.Context(), req.Name, root, engine.RunOptions{Workers: req.Workers})
	if err != nil {
		s.fail(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// listRuns handles GET /v1/runs?status=&limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *catalog.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, perr := catalog.ParseRunStatus(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		status = &parsed
	}
	runs, err := s.svc.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.fail(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []catalog.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRunStatus(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.fail(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.svc.CancelRun(r.Context(), runID); err != nil {
		s.fail(w, "cancel run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "requested": "cancel"})
}

func (s *Server) pauseRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.svc.PauseRun(r.Context(), runID); err != nil {
		s.fail(w, "pause run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "requested": "pause"})
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var req resumeRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if err := s.svc.ResumeRun(r.Context(), runID, engine.RunOptions{Workers: req.Workers}); err != nil {
		s.fail(w, "resume run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "requested": "resume"})
}

// streamRunEvents handles GET /v1/runs/{run_id}/events. It writes one JSON
// event per line until the run reaches a terminal or paused stage or the
// client disconnects.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "progress events disabled")
		return
	}
	runID := chi.URLParam(r, "run_id")
	eventID, err := progress.ParseRunID(runID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}

	// Subscribe before reading the status so the final event cannot slip
	// between the two.
	events, unsubscribe := s.events.Subscribe(eventID, eventBuffer)
	defer unsubscribe()

	run, err := s.svc.GetRunStatus(r.Context(), runID)
	if err != nil {
		s.fail(w, "get run", err)
		return
	}
	if run.Status != catalog.RunRunning && run.Status != catalog.RunPending {
		writeError(w, http.StatusConflict, "run is "+string(run.Status))
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(runEvent{RunID: runID, Event: evt}); err != nil {
				s.logger.Debug("event stream closed", zap.String("run_id", runID), zap.Error(err))
				return
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return
			}
		}
	}
}
