package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/benchdb/server/storage"
	"github.com/benchdb/server/sysinfo"
	"github.com/benchdb/server/types"
)

// errorResponse is the structured error shape on the request boundary.
type errorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, issues ...string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Issues: issues})
}

// handleResults ingests one benchmark payload.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ok, issues, err := s.validator.ValidatePayload(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}
	if !ok {
		s.writeError(w, http.StatusBadRequest, "payload failed schema validation", issues...)
		return
	}

	var data types.BenchmarkData
	if err := json.Unmarshal(body, &data); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to decode payload")
		return
	}

	measurements, profiles, err := s.store.RecordAllData(r.Context(), &data, false)
	if err != nil {
		s.log.WithError(err).WithField("project", data.ProjectName).Error("Failed to record payload")
		s.writeError(w, http.StatusInternalServerError, "failed to record benchmark data")
		return
	}

	s.hub.BroadcastResultsRecorded(data.ProjectName, data.ExperimentName, measurements)
	s.writeJSON(w, http.StatusOK, map[string]int{
		"recordedMeasurements": measurements,
		"recordedProfiles":     profiles,
	})
}

// handleCompletion closes all open trials of an experiment.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ok, issues, err := s.validator.ValidateCompletion(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}
	if !ok {
		s.writeError(w, http.StatusBadRequest, "payload failed schema validation", issues...)
		return
	}

	var data types.CompletionData
	if err := json.Unmarshal(body, &data); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to decode payload")
		return
	}

	if err := s.store.RecordCompletion(r.Context(), data); err != nil {
		switch {
		case errors.Is(err, storage.ErrExperimentNotFound):
			s.writeError(w, http.StatusNotFound, "no such experiment")
		case errors.Is(err, storage.ErrMissingEndTime):
			s.writeError(w, http.StatusBadRequest, "endTime is missing or malformed")
		default:
			s.log.WithError(err).Error("Failed to record completion")
			s.writeError(w, http.StatusInternalServerError, "failed to record completion")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleCompare reports whether both commits of a comparison have recorded
// data and returns their source rows.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	base, change, ok, err := s.store.RevisionsExistInProject(r.Context(), vars["slug"], vars["base"], vars["change"])
	if err != nil {
		s.log.WithError(err).Error("Failed to resolve revisions")
		s.writeError(w, http.StatusInternalServerError, "failed to resolve revisions")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "one or both commits have no recorded trials")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]*types.Source{
		"baseCommit":   base,
		"changeCommit": change,
	})
}

// handleBaseline resolves the baseline commit for a change commit.
func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	project, err := s.store.GetProjectBySlug(r.Context(), vars["slug"])
	if err != nil {
		s.log.WithError(err).Error("Failed to load project")
		s.writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		s.writeError(w, http.StatusNotFound, "no such project")
		return
	}

	baseline, err := s.store.GetBaselineCommit(r.Context(), project, r.URL.Query().Get("current"))
	if err != nil {
		s.log.WithError(err).Error("Failed to resolve baseline commit")
		s.writeError(w, http.StatusInternalServerError, "failed to resolve baseline commit")
		return
	}
	if baseline == nil {
		s.writeError(w, http.StatusNotFound, "no baseline data available")
		return
	}

	s.writeJSON(w, http.StatusOK, baseline)
}

// handleTimeline serves the columnar timeline series for one benchmark.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	project, err := s.store.GetProjectBySlug(r.Context(), vars["slug"])
	if err != nil {
		s.log.WithError(err).Error("Failed to load project")
		s.writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		s.writeError(w, http.StatusNotFound, "no such project")
		return
	}

	q := r.URL.Query()
	req := types.TimelineRequest{
		Baseline:  q.Get("baseline"),
		Change:    q.Get("change"),
		Benchmark: q.Get("b"),
		Executor:  q.Get("e"),
		Suite:     q.Get("s"),
	}
	if req.Baseline == "" || req.Benchmark == "" || req.Executor == "" || req.Suite == "" {
		s.writeError(w, http.StatusBadRequest, "baseline, b, e, and s are required")
		return
	}
	optional := func(key string) *string {
		if !q.Has(key) {
			return nil
		}
		v := q.Get(key)
		return &v
	}
	req.VarValue = optional("v")
	req.Cores = optional("c")
	req.InputSize = optional("i")
	req.ExtraArgs = optional("ea")

	plot, err := s.store.GetTimelineData(r.Context(), project, req)
	if err != nil {
		s.log.WithError(err).Error("Failed to load timeline data")
		s.writeError(w, http.StatusInternalServerError, "failed to load timeline data")
		return
	}

	s.writeJSON(w, http.StatusOK, plot)
}

// handleStatus reports host information for operational visibility.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := sysinfo.Collect()
	if err != nil {
		s.log.WithError(err).Error("Failed to collect host info")
		s.writeError(w, http.StatusInternalServerError, "failed to collect host info")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"host":   info,
	})
}
