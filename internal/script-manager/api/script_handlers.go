package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"vm-script-service/internal/script-manager/services"
)

type ScriptHandler struct {
	Definitions *services.DefinitionService
	Scheduler   *services.SchedulerService
	Executor    *services.ExecutorService
}

func NewScriptHandler(definitions *services.DefinitionService, scheduler *services.SchedulerService, executor *services.ExecutorService) *ScriptHandler {
	return &ScriptHandler{Definitions: definitions, Scheduler: scheduler, Executor: executor}
}

type CreateScriptRequest struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Format      string   `json:"format"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
}

type UpdateScriptRequest struct {
	Name        *string  `json:"name"`
	Content     *string  `json:"content"`
	Format      *string  `json:"format"`
	Description *string  `json:"description"`
	Category    *string  `json:"category"`
	Tags        []string `json:"tags"`
}

type ExecuteScriptRequest struct {
	MachineID   string                 `json:"machineId"`
	InputValues map[string]interface{} `json:"inputValues"`
	RunAs       string                 `json:"runAs"`
	Async       bool                   `json:"async"`
}

func (h *ScriptHandler) CreateScript(ctx context.Context, c *app.RequestContext) {
	var req CreateScriptRequest
	if err := c.Bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	if req.Format == "" {
		req.Format = "yaml"
	}
	def, err := h.Definitions.CreateScript(ctx, services.CreateScriptRequest{
		Name:        req.Name,
		Content:     req.Content,
		Format:      req.Format,
		Description: req.Description,
		Category:    req.Category,
		Tags:        req.Tags,
		UserID:      userID(c),
		Metadata:    requestMetadata(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (h *ScriptHandler) GetScripts(ctx context.Context, c *app.RequestContext) {
	filter := services.ScriptFilter{
		Category: c.Query("category"),
		OS:       c.Query("os"),
		Search:   c.Query("search"),
	}
	if tags := c.Query("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}
	defs, err := h.Definitions.ListScripts(ctx, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *ScriptHandler) GetScriptByID(ctx context.Context, c *app.RequestContext) {
	id, ok := parseScriptID(c)
	if !ok {
		return
	}
	detail, err := h.Definitions.GetScript(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *ScriptHandler) UpdateScript(ctx context.Context, c *app.RequestContext) {
	id, ok := parseScriptID(c)
	if !ok {
		return
	}
	var req UpdateScriptRequest
	if err := c.Bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	def, err := h.Definitions.UpdateScript(ctx, id, services.UpdateScriptRequest{
		Name:        req.Name,
		Content:     req.Content,
		Format:      req.Format,
		Description: req.Description,
		Category:    req.Category,
		Tags:        req.Tags,
		UserID:      userID(c),
		Metadata:    requestMetadata(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// DeleteScript refuses while executions are still pending or running so the
// caller can cancel them first.
func (h *ScriptHandler) DeleteScript(ctx context.Context, c *app.RequestContext) {
	id, ok := parseScriptID(c)
	if !ok {
		return
	}
	active, err := h.Scheduler.HasActiveSchedules(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if active.HasActive {
		c.JSON(http.StatusConflict, utils.H{
			"error":           "Script has active executions; cancel them before deleting",
			"activeSchedules": active,
		})
		return
	}
	if err := h.Definitions.DeleteScript(ctx, id, userID(c), requestMetadata(c)); err != nil {
		writeError(c, err)
		return
	}
	hlog.CtxInfof(ctx, "Script %d deleted by %q", id, userID(c))
	c.JSON(http.StatusOK, utils.H{"message": "Script deleted successfully"})
}

func (h *ScriptHandler) GetActiveSchedules(ctx context.Context, c *app.RequestContext) {
	id, ok := parseScriptID(c)
	if !ok {
		return
	}
	active, err := h.Scheduler.HasActiveSchedules(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *ScriptHandler) ExecuteScript(ctx context.Context, c *app.RequestContext) {
	id, ok := parseScriptID(c)
	if !ok {
		return
	}
	var req ExecuteScriptRequest
	if err := c.Bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	opts := services.ExecuteOptions{
		ScriptID:      id,
		MachineID:     req.MachineID,
		InputValues:   req.InputValues,
		RunAs:         req.RunAs,
		TriggeredByID: optionalUser(c),
		Metadata:      requestMetadata(c),
	}

	var res *services.ExecuteResult
	if req.Async {
		res = h.Executor.StartScript(ctx, opts)
	} else {
		res = h.Executor.ExecuteScript(ctx, opts)
	}
	switch {
	case res.ErrorCode != "":
		c.JSON(statusForCode(res.ErrorCode), res)
	case req.Async:
		c.JSON(http.StatusAccepted, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}
