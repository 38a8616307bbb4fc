package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/rastro/internal/audit/domain"
	"github.com/smallbiznis/rastro/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Action    string `form:"action"`
	ActorID   string `form:"actor_id"`
	StartAt   string `form:"start_at"`
	EndAt     string `form:"end_at"`
}

// ListAuditLogs serves the reset and clear trail of one location counter.
func (s *Server) ListAuditLogs(c *gin.Context) {
	locationID, err := locationIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	action := strings.TrimSpace(query.Action)
	if action != "" && !knownAuditAction(action) {
		AbortWithError(c, newValidationError("action", "invalid_action", "unknown audit action"))
		return
	}

	startAt, err := parseOptionalTime(query.StartAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		LocationID: locationID,
		Action:     action,
		ActorID:    strings.TrimSpace(query.ActorID),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}

func knownAuditAction(action string) bool {
	switch action {
	case auditdomain.ActionCounterReset,
		auditdomain.ActionManualResetCleared,
		auditdomain.ActionInvariantViolation:
		return true
	default:
		return false
	}
}
