// Package v1 provides the Sync API endpoints a peer calls to pull and push
// row changes, plus the operator endpoints for reset, resync and transfers.
package v1

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/pos-sync/internal/api/common"
	"github.com/stacklok/pos-sync/internal/service"
	"github.com/stacklok/pos-sync/internal/wire"
)

// Routes handles HTTP requests for the Sync API
type Routes struct {
	service service.SyncService
}

// NewRoutes creates a new Routes instance with the given service
func NewRoutes(svc service.SyncService) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates the Sync API router, mounted under /sync
func Router(svc service.SyncService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Get("/tables", routes.listTables)
	r.Get("/status", routes.getStatus)
	r.Get("/status/{table}", routes.getTableStatus)

	r.Get("/pull/{table}", routes.pull)
	r.Post("/push/{table}", routes.push)

	r.Post("/reset", routes.reset)
	r.Post("/reset/{table}", routes.reset)
	r.Post("/full", routes.fullSync)
	r.Post("/run", routes.runCycle)

	r.Post("/upload", routes.upload)
	r.Get("/download", routes.download)
	r.Post("/acknowledge", routes.acknowledge)

	return r
}

// listTables handles GET /sync/tables
func (routes *Routes) listTables(w http.ResponseWriter, r *http.Request) {
	common.WriteJSONResponse(w, wire.TablesResponse{Tables: routes.service.ListTables(r.Context())}, http.StatusOK)
}

// getStatus handles GET /sync/status
func (routes *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := routes.service.Status(r.Context())
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, snapshot, http.StatusOK)
}

// getTableStatus handles GET /sync/status/{table}
func (routes *Routes) getTableStatus(w http.ResponseWriter, r *http.Request) {
	table, err := common.GetAndValidateURLParam(r, "table")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts, err := routes.service.TableStatus(r.Context(), table)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, ts, http.StatusOK)
}

// pull handles GET /sync/pull/{table}?since=&limit=
func (routes *Routes) pull(w http.ResponseWriter, r *http.Request) {
	table, err := common.GetAndValidateURLParam(r, "table")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	since, err := common.GetInt64QueryParam(r, "since")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := common.GetIntQueryParam(r, "limit")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := routes.service.Pull(r.Context(), table, since, limit)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// push handles POST /sync/push/{table}
func (routes *Routes) push(w http.ResponseWriter, r *http.Request) {
	table, err := common.GetAndValidateURLParam(r, "table")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req wire.PushRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := routes.service.Push(r.Context(), table, req.Changes)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// reset handles POST /sync/reset and POST /sync/reset/{table}
func (routes *Routes) reset(w http.ResponseWriter, r *http.Request) {
	table := ""
	if chi.URLParam(r, "table") != "" {
		var err error
		table, err = common.GetAndValidateURLParam(r, "table")
		if err != nil {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	tables, err := routes.service.Reset(r.Context(), table)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, wire.ResetResponse{Tables: tables}, http.StatusOK)
}

// fullSync handles POST /sync/full. A finished resync is reported with 200
// whether or not every table recovered.
func (routes *Routes) fullSync(w http.ResponseWriter, r *http.Request) {
	result, err := routes.service.FullSync(r.Context())
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}

	common.WriteJSONResponse(w, wire.FullSyncResponse{
		Success: result.Success,
		Message: result.Message(),
	}, http.StatusOK)
}

// runCycle handles POST /sync/run. A cycle that is already running is
// reported with 409 and the Running result.
func (routes *Routes) runCycle(w http.ResponseWriter, r *http.Request) {
	result, err := routes.service.RunCycle(r.Context())
	if errors.Is(err, service.ErrCycleRunning) && result != nil {
		common.WriteJSONResponse(w, result, http.StatusConflict)
		return
	}
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, result, http.StatusOK)
}

// upload handles POST /sync/upload
func (routes *Routes) upload(w http.ResponseWriter, r *http.Request) {
	var req wire.UploadRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := routes.service.Upload(r.Context(), &req)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// download handles GET /sync/download?table=&cursor=&limit=
func (routes *Routes) download(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		common.WriteErrorResponse(w, "table parameter is required", http.StatusBadRequest)
		return
	}
	cursor, err := common.GetInt64QueryParam(r, "cursor")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := common.GetIntQueryParam(r, "limit")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := routes.service.Download(r.Context(), table, cursor, limit)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// acknowledge handles POST /sync/acknowledge
func (routes *Routes) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req wire.AcknowledgeRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := routes.service.Acknowledge(r.Context(), req.BatchID)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}
