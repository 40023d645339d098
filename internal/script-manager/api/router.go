package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/route"

	"vm-script-service/internal/script-manager/metrics"
)

// RegisterRoutes mounts every endpoint of the script manager on r.
func RegisterRoutes(r *route.Engine, scripts *ScriptHandler, schedules *ScheduleHandler, m *metrics.Metrics) {
	scriptGroup := r.Group("/scripts")
	{
		scriptGroup.POST("", scripts.CreateScript)
		scriptGroup.GET("", scripts.GetScripts)
		scriptGroup.GET("/:id", scripts.GetScriptByID)
		scriptGroup.PUT("/:id", scripts.UpdateScript)
		scriptGroup.DELETE("/:id", scripts.DeleteScript)
		scriptGroup.GET("/:id/active-schedules", scripts.GetActiveSchedules)
		scriptGroup.POST("/:id/execute", scripts.ExecuteScript)
	}
	scheduleGroup := r.Group("/schedules")
	{
		scheduleGroup.POST("", schedules.CreateSchedule)
		scheduleGroup.PUT("/:id", schedules.UpdateSchedule)
		scheduleGroup.POST("/:id/cancel", schedules.CancelSchedule)
	}
	executionGroup := r.Group("/executions")
	{
		executionGroup.GET("/:id", schedules.GetExecution)
		executionGroup.POST("/:id/cancel", schedules.CancelExecution)
	}

	r.GET("/ping", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
	r.GET("/metrics", adaptor.HertzHandler(m.Handler()))
}
