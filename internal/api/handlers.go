package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/forkpool/internal/dispatch"
)

// handleHealthz reports "ok" while at least one worker is active and
// "draining" once none is.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	byState := map[string]int{}
	for _, info := range snap {
		byState[info.State.String()]++
	}

	status := "ok"
	if byState[dispatch.StateActive.String()] == 0 {
		status = "draining"
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       len(snap),
		ByState:       byState,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, WorkersResponse{
		Workers: s.pool.Snapshot(),
		Stats:   s.pool.Stats(),
	})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pidParam(w, r)
	if !ok {
		return
	}
	for _, info := range s.pool.Snapshot() {
		if info.PID == pid {
			respondJSON(w, http.StatusOK, info)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "worker not found")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWorkBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > MaxWorkBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req WorkRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	pid, id, err := s.pool.Submit(req.Payload)
	if err != nil {
		s.logger.Warn("submit via API failed", "error", err)
		s.writeError(w, deliveryStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, WorkResponse{PID: pid, ID: id})
}

func (s *Server) handleExitWorker(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pidParam(w, r)
	if !ok {
		return
	}
	if err := s.pool.Exit(pid); err != nil {
		s.writeError(w, deliveryStatus(err), err.Error())
		return
	}
	s.logger.Info("worker exit requested via API", "pid", pid)
	respondJSON(w, http.StatusAccepted, ExitResponse{PID: pid, Status: "exiting"})
}

func (s *Server) pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		s.writeError(w, http.StatusBadRequest, "pid must be a positive integer")
		return 0, false
	}
	return pid, true
}

// deliveryStatus maps dispatch errors onto HTTP status codes.
func deliveryStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrWorkerUnavailable):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrOutboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrNoActiveWorkers), errors.Is(err, dispatch.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
