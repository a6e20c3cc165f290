package api

import (
	"encoding/json"

	"github.com/mattjoyce/forkpool/internal/dispatch"
)

// WorkRequest is the JSON body for POST /work
type WorkRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkResponse is returned once work is queued for a worker
type WorkResponse struct {
	PID int   `json:"pid"`
	ID  int64 `json:"id"`
}

// ExitResponse is returned by POST /workers/{pid}/exit
type ExitResponse struct {
	PID    int    `json:"pid"`
	Status string `json:"status"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Workers       int            `json:"workers"`
	ByState       map[string]int `json:"by_state"`
}

// WorkersResponse is returned by GET /workers.
type WorkersResponse struct {
	Workers []dispatch.WorkerInfo `json:"workers"`
	Stats   dispatch.Stats        `json:"stats"`
}
