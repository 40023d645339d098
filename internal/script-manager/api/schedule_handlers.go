package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"vm-script-service/internal/script-manager/services"
)

type ScheduleHandler struct {
	Scheduler *services.SchedulerService
	Executor  *services.ExecutorService
}

func NewScheduleHandler(scheduler *services.SchedulerService, executor *services.ExecutorService) *ScheduleHandler {
	return &ScheduleHandler{Scheduler: scheduler, Executor: executor}
}

func (h *ScheduleHandler) CreateSchedule(ctx context.Context, c *app.RequestContext) {
	var req services.ScheduleRequest
	if err := c.Bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	req.TriggeredByID = optionalUser(c)
	req.Metadata = requestMetadata(c)

	res := h.Scheduler.ScheduleScript(ctx, req)
	if !res.Success {
		c.JSON(statusForCode(res.ErrorCode), res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *ScheduleHandler) UpdateSchedule(ctx context.Context, c *app.RequestContext) {
	var req services.UpdateScheduleRequest
	if err := c.Bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	req.UserID = optionalUser(c)
	exec, err := h.Scheduler.UpdateScheduledScript(ctx, c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *ScheduleHandler) CancelSchedule(ctx context.Context, c *app.RequestContext) {
	exec, err := h.Scheduler.CancelScheduledScript(ctx, c.Param("id"), optionalUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *ScheduleHandler) GetExecution(ctx context.Context, c *app.RequestContext) {
	exec, err := h.Executor.GetExecution(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *ScheduleHandler) CancelExecution(ctx context.Context, c *app.RequestContext) {
	exec, err := h.Executor.CancelScriptExecution(ctx, c.Param("id"), optionalUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
