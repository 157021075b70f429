// internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/valpere/marketrunner/internal/engine"
	"github.com/valpere/marketrunner/pkg/types"
)

// SubmitResponse is the body returned by POST /api/v1/tasks.
type SubmitResponse struct {
	Results []types.Result `json:"results"`
	// Error is set when the batch was aborted; Results still holds one
	// entry per task.
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		serverLogger.Warnf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	tasks, err := types.ParseTasks(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusBadRequest, "no tasks submitted")
		return
	}
	if len(tasks) > s.opts.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d tasks exceeds the limit of %d", len(tasks), s.opts.MaxBatch))
		return
	}
	for i, t := range tasks {
		if err := t.Target().Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("task %d: %v", i, err))
			return
		}
		if s.opts.TargetPolicy != nil {
			if err := s.opts.TargetPolicy.Check(t.URL); err != nil {
				writeError(w, http.StatusForbidden, fmt.Sprintf("task %d: %v", i, err))
				return
			}
		}
	}

	results, err := s.backend.Submit(r.Context(), tasks)
	resp := SubmitResponse{Results: results}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		if errors.Is(err, engine.ErrShutdown) {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) proxyStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":       s.backend.ProxyPoolStats(),
		"identities": s.backend.ProxySnapshots(),
	})
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.CacheStats())
}

func (s *Server) failureStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.FailureStats())
}

func (s *Server) blockingHandler(w http.ResponseWriter, r *http.Request) {
	history := s.backend.BlockingHistory()
	if pattern := r.URL.Query().Get("pattern"); pattern != "" {
		for _, ps := range history {
			if ps.Pattern == pattern {
				writeJSON(w, http.StatusOK, ps)
				return
			}
		}
		writeError(w, http.StatusNotFound, "no history for pattern "+pattern)
		return
	}
	if history == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) workersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Workers())
}
