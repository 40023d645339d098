package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"vm-script-service/internal/script-manager/services"
)

// statusForCode maps the scheduling/execution taxonomy onto HTTP.
func statusForCode(code services.ErrorCode) int {
	switch code {
	case services.CodeScriptNotFound, services.CodeMachineNotFound, services.CodeExecutionNotFound:
		return http.StatusNotFound
	case services.CodeInvalidState:
		return http.StatusConflict
	case services.CodeUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func statusForError(err error) int {
	var (
		notFound   *services.NotFoundError
		conflict   *services.StateConflictError
		validation *services.ValidationError
		compat     *services.CompatibilityError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &validation), errors.As(err, &compat):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *app.RequestContext, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		hlog.Errorf("%s %s failed: %v", c.Method(), c.Path(), err)
	}
	c.JSON(status, utils.H{"error": err.Error()})
}

func parseScriptID(c *app.RequestContext) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return 0, false
	}
	return uint(id), true
}

// userID reads the authenticated caller forwarded by the gateway.
func userID(c *app.RequestContext) string {
	return string(c.GetHeader("X-User-ID"))
}

func optionalUser(c *app.RequestContext) *string {
	if id := userID(c); id != "" {
		return &id
	}
	return nil
}

func requestMetadata(c *app.RequestContext) map[string]interface{} {
	return map[string]interface{}{
		"ip":        c.ClientIP(),
		"userAgent": string(c.UserAgent()),
	}
}
