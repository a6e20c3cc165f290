package api

import (
	"net/http"
	"sync"
)

var (
	openAPIOnce sync.Once
	openAPIDoc  map[string]any
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	openAPIOnce.Do(func() { openAPIDoc = buildOpenAPIDoc() })
	respondJSON(w, http.StatusOK, openAPIDoc)
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the pool API.
func buildOpenAPIDoc() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	pidParam := []any{map[string]any{
		"name":     "pid",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "integer", "minimum": 1},
	}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/" + ref},
				},
			},
		}
	}
	described := func(desc string, ref string) map[string]any {
		resp := jsonBody(ref)
		resp["description"] = desc
		return resp
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Pool liveness and worker state counts",
				"responses": map[string]any{
					"200": described("Health report", "Healthz"),
				},
			},
		},
		"/workers": map[string]any{
			"get": map[string]any{
				"operationId": "listWorkers",
				"summary":     "List worker processes",
				"security":    secured,
				"responses": map[string]any{
					"200": described("Workers and pool counters", "Workers"),
					"401": map[string]any{"description": "Unauthorized"},
				},
			},
		},
		"/workers/{pid}": map[string]any{
			"get": map[string]any{
				"operationId": "getWorker",
				"summary":     "Show one worker process",
				"security":    secured,
				"parameters":  pidParam,
				"responses": map[string]any{
					"200": described("Worker", "Worker"),
					"404": map[string]any{"description": "Unknown pid"},
				},
			},
		},
		"/workers/{pid}/exit": map[string]any{
			"post": map[string]any{
				"operationId": "exitWorker",
				"summary":     "Ask a worker to acknowledge and terminate",
				"security":    secured,
				"parameters":  pidParam,
				"responses": map[string]any{
					"202": map[string]any{"description": "Exit queued"},
					"404": map[string]any{"description": "Unknown pid"},
					"409": map[string]any{"description": "Worker not active"},
				},
			},
		},
		"/work": map[string]any{
			"post": map[string]any{
				"operationId": "submitWork",
				"summary":     "Send work to the next active worker",
				"security":    secured,
				"requestBody": jsonBody("WorkRequest"),
				"responses": map[string]any{
					"202": described("Work queued", "WorkResponse"),
					"400": map[string]any{"description": "Bad request"},
					"429": map[string]any{"description": "Worker outbox full"},
					"503": map[string]any{"description": "No active workers"},
				},
			},
		},
		"/stats": map[string]any{
			"get": map[string]any{
				"operationId": "stats",
				"summary":     "Pool counters",
				"security":    secured,
				"responses": map[string]any{
					"200": described("Counters", "Stats"),
				},
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "events",
				"summary":     "Server-sent stream of pool events",
				"security":    secured,
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
				},
			},
		},
	}

	worker := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pid":         map[string]any{"type": "integer"},
			"state":       map[string]any{"type": "string", "enum": []string{"spawning", "active", "exiting", "terminated"}},
			"spawned_at":  map[string]any{"type": "string", "format": "date-time"},
			"exited_at":   map[string]any{"type": "string", "format": "date-time"},
			"outstanding": map[string]any{"type": "integer"},
		},
	}
	stats := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sent":                map[string]any{"type": "integer"},
			"received":            map[string]any{"type": "integer"},
			"delivery_failures":   map[string]any{"type": "integer"},
			"protocol_violations": map[string]any{"type": "integer"},
			"handler_panics":      map[string]any{"type": "integer"},
			"outstanding":         map[string]any{"type": "integer"},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "forkpool",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"Worker": worker,
				"Stats":  stats,
				"Workers": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"workers": map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Worker"}},
						"stats":   map[string]any{"$ref": "#/components/schemas/Stats"},
					},
				},
				"Healthz": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"status":         map[string]any{"type": "string", "enum": []string{"ok", "draining"}},
						"uptime_seconds": map[string]any{"type": "integer"},
						"workers":        map[string]any{"type": "integer"},
						"by_state":       map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "integer"}},
					},
				},
				"WorkRequest": map[string]any{
					"type":       "object",
					"properties": map[string]any{"payload": map[string]any{}},
				},
				"WorkResponse": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pid": map[string]any{"type": "integer"},
						"id":  map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
}
