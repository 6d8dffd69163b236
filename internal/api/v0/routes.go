// Package v0 provides the REST handlers for the operational API.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openregistry/bizmirror/internal/importer"
	pkgsync "github.com/openregistry/bizmirror/internal/sync"
	"github.com/openregistry/bizmirror/internal/sync/coordinator"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SyncRunRequest selects the resume point for a triggered sync run.
type SyncRunRequest struct {
	SinceDate   string `json:"since_date,omitempty"`
	StartCursor int64  `json:"start_cursor,omitempty"`
}

// ImportQueueRequest enqueues identifiers for bulk import.
type ImportQueueRequest struct {
	OrgNumbers []string `json:"org_numbers"`
	Priority   int      `json:"priority"`
}

// ImportRunRequest starts a bulk import run.
type ImportRunRequest struct {
	Workers int `json:"workers,omitempty"`
}

// RetryResponse reports how many failed items were reset to pending.
type RetryResponse struct {
	Reset int64 `json:"reset"`
}

// SyncService triggers incremental sync runs.
type SyncService interface {
	RunNow(ctx context.Context, opts pkgsync.Options) (*pkgsync.BatchResult, error)
}

// ImportRunner drains the import queue with a worker pool.
type ImportRunner interface {
	Run(ctx context.Context, workerCount int) (*importer.Batch, error)
}

// Dependencies are the collaborators the operational routes need.
type Dependencies struct {
	Sync           SyncService
	Queue          importer.QueueStore
	Importer       ImportRunner
	DefaultWorkers int
}

// Routes holds the handlers for the operational API
type Routes struct {
	deps Dependencies

	// importRunning serializes bulk import runs the same way the
	// coordinator serializes sync runs.
	importRunning atomic.Bool
}

// Router creates the /v0 operational router
func Router(deps Dependencies) http.Handler {
	routes := &Routes{deps: deps}

	r := chi.NewRouter()
	r.Post("/sync/run", routes.runSync)
	r.Post("/import/queue", routes.queueImport)
	r.Post("/import/run", routes.runImport)
	r.Post("/import/retry", routes.retryImport)
	r.Get("/import/progress", routes.importProgress)
	return r
}

// HealthHandler reports process liveness
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Routes) runSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := pkgsync.Options{StartCursor: req.StartCursor}
	if req.SinceDate != "" {
		since, err := time.Parse(time.DateOnly, req.SinceDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since_date must be YYYY-MM-DD")
			return
		}
		opts.SinceDate = since
	}

	result, err := rt.deps.Sync.RunNow(r.Context(), opts)
	switch {
	case errors.Is(err, coordinator.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (rt *Routes) queueImport(w http.ResponseWriter, r *http.Request) {
	var req ImportQueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.OrgNumbers) == 0 {
		writeError(w, http.StatusBadRequest, "org_numbers is required")
		return
	}

	result, err := rt.deps.Queue.Enqueue(r.Context(), req.OrgNumbers, req.Priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Routes) runImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workers := req.Workers
	if workers <= 0 {
		workers = rt.deps.DefaultWorkers
	}

	if !rt.importRunning.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "bulk import already in progress")
		return
	}
	defer rt.importRunning.Store(false)

	batch, err := rt.deps.Importer.Run(r.Context(), workers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (rt *Routes) retryImport(w http.ResponseWriter, r *http.Request) {
	reset, err := rt.deps.Queue.RetryFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RetryResponse{Reset: reset})
}

func (rt *Routes) importProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := rt.deps.Queue.Progress(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// decodeBody decodes an optional JSON body; an empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
