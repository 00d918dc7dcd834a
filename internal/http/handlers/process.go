package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	repos "github.com/taskmill/taskmill-backend/internal/data/repos/process"
	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/http/response"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
	"github.com/taskmill/taskmill-backend/internal/proctype"
)

// Engine is the orchestrator surface the HTTP layer drives.
type Engine interface {
	StartProcessForRecord(ctx context.Context, recordID, triggeredBy string) (string, error)
	RestartProcess(ctx context.Context, recordID string) (string, error)
	StopProcess(ctx context.Context, recordID string) error
	GetProcessTasks(ctx context.Context, recordID string) ([]*types.TaskRow, error)
}

type ProcessHandler struct {
	log      *logger.Logger
	records  repos.RecordRepo
	tasks    repos.TaskRepo
	registry *proctype.Registry
	engine   Engine
}

func NewProcessHandler(
	log *logger.Logger,
	records repos.RecordRepo,
	tasks repos.TaskRepo,
	registry *proctype.Registry,
	engine Engine,
) *ProcessHandler {
	return &ProcessHandler{
		log:      log.With("handler", "ProcessHandler"),
		records:  records,
		tasks:    tasks,
		registry: registry,
		engine:   engine,
	}
}

type createProcessRequest struct {
	ID        string  `json:"id"`
	Type      string  `json:"type" binding:"required"`
	InputData string  `json:"input_data"`
	Schedule  *string `json:"schedule"`
	// Autostart launches the first run right after creation. Defaults to
	// true; scheduled records typically set it to false.
	Autostart *bool `json:"autostart"`
}

// POST /api/processes
func (h *ProcessHandler) CreateProcess(c *gin.Context) {
	var req createProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if !h.registry.Validate(req.Type) {
		response.RespondError(c, http.StatusBadRequest, "unknown_process_type", pkgerr.NotFoundf("process type %s", req.Type))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	rec := &types.ProcessRecord{
		ID:            req.ID,
		Type:          req.Type,
		InputData:     req.InputData,
		Schedule:      req.Schedule,
		CurrentStatus: types.StatusPending,
		TriggeredBy:   "api",
	}
	if err := h.records.Create(dbctx.Context{Ctx: c.Request.Context()}, rec); err != nil {
		h.log.Error("CreateProcess failed (create record)", "error", err, "record_id", req.ID)
		response.RespondError(c, http.StatusInternalServerError, "create_record_failed", err)
		return
	}

	processID := ""
	if req.Autostart == nil || *req.Autostart {
		id, err := h.engine.StartProcessForRecord(c.Request.Context(), rec.ID, "api")
		if err != nil {
			h.log.Error("CreateProcess failed (start run)", "error", err, "record_id", rec.ID)
			response.RespondError(c, http.StatusInternalServerError, "start_process_failed", err)
			return
		}
		processID = id
	}

	response.RespondCreated(c, gin.H{
		"record":     rec,
		"process_id": processID,
	})
}

// GET /api/processes/:id
func (h *ProcessHandler) GetProcess(c *gin.Context) {
	rec, err := h.records.GetByID(dbctx.Context{Ctx: c.Request.Context()}, c.Param("id"))
	if pkgerr.IsNotFound(err) {
		response.RespondError(c, http.StatusNotFound, "process_not_found", err)
		return
	}
	if err != nil {
		h.log.Error("GetProcess failed", "error", err, "record_id", c.Param("id"))
		response.RespondError(c, http.StatusInternalServerError, "load_record_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"record": rec})
}

// GET /api/processes?status=IN_PROGRESS
func (h *ProcessHandler) ListProcesses(c *gin.Context) {
	recs, err := h.records.FindByStatus(dbctx.Context{Ctx: c.Request.Context()}, c.Query("status"))
	if err != nil {
		h.log.Error("ListProcesses failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "list_records_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"records": recs})
}

// DELETE /api/processes/:id
func (h *ProcessHandler) DeleteProcess(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	recordID := c.Param("id")

	ok, err := h.records.DeleteUnlessRunning(dbc, recordID)
	if err != nil {
		h.log.Error("DeleteProcess failed", "error", err, "record_id", recordID)
		response.RespondError(c, http.StatusInternalServerError, "delete_record_failed", err)
		return
	}
	if !ok {
		response.RespondError(c, http.StatusConflict, "process_running",
			pkgerr.Validationf("process record %s is running or missing", recordID))
		return
	}
	if _, err := h.tasks.DeleteByRecord(dbc, recordID); err != nil {
		h.log.Error("DeleteProcess failed (task rows)", "error", err, "record_id", recordID)
		response.RespondError(c, http.StatusInternalServerError, "delete_tasks_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": recordID})
}

// POST /api/processes/:id/start
func (h *ProcessHandler) StartProcess(c *gin.Context) {
	processID, err := h.engine.StartProcessForRecord(c.Request.Context(), c.Param("id"), "api")
	if err != nil {
		h.respondEngineError(c, err, "start_process_failed")
		return
	}
	response.RespondOK(c, gin.H{"process_id": processID})
}

// POST /api/processes/:id/stop
func (h *ProcessHandler) StopProcess(c *gin.Context) {
	if err := h.engine.StopProcess(c.Request.Context(), c.Param("id")); err != nil {
		h.respondEngineError(c, err, "stop_process_failed")
		return
	}
	response.RespondOK(c, gin.H{"stopped": c.Param("id")})
}

// POST /api/processes/:id/restart
func (h *ProcessHandler) RestartProcess(c *gin.Context) {
	processID, err := h.engine.RestartProcess(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondEngineError(c, err, "restart_process_failed")
		return
	}
	response.RespondOK(c, gin.H{"process_id": processID})
}

// GET /api/processes/:id/tasks
func (h *ProcessHandler) ListProcessTasks(c *gin.Context) {
	rows, err := h.engine.GetProcessTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondEngineError(c, err, "list_tasks_failed")
		return
	}
	response.RespondOK(c, gin.H{"tasks": rows})
}

// GET /api/process-types
func (h *ProcessHandler) ListProcessTypes(c *gin.Context) {
	response.RespondOK(c, gin.H{"types": h.registry.Names()})
}

func (h *ProcessHandler) respondEngineError(c *gin.Context, err error, code string) {
	switch {
	case pkgerr.IsNotFound(err):
		response.RespondError(c, http.StatusNotFound, "process_not_found", err)
	case pkgerr.IsValidation(err):
		response.RespondError(c, http.StatusConflict, code, err)
	default:
		h.log.Error("engine call failed", "error", err, "code", code)
		response.RespondError(c, http.StatusInternalServerError, code, err)
	}
}
