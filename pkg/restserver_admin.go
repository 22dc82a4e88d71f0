package pkg

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/markmysler/dvc-sub001/pkg/api"
	"github.com/markmysler/dvc-sub001/pkg/utils"
)

// Admin endpoints serve the lab operator on localhost. They expose internal
// detail (container IDs, audit rows) that the user-facing endpoints hide.

func (s *Server) ListAdminSessions(ctx echo.Context) error {
	sessions := s.orch.ListActive()
	counts := s.orch.Registry().CountsByStatus()

	type adminSession struct {
		api.SessionResponse
		ContainerID string `json:"container_id,omitempty"`
	}
	resp := make([]adminSession, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, adminSession{
			SessionResponse: sessionResponse(sess),
			ContainerID:     sess.ContainerID,
		})
	}
	return ctx.JSON(200, map[string]interface{}{
		"sessions": resp,
		"counts":   counts,
	})
}

func (s *Server) GetAuditTrail(ctx echo.Context) error {
	if s.auditLog == nil {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("Audit log is not configured")})
	}

	limit := 100
	if raw := ctx.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return ctx.JSON(400, api.Error{Message: utils.Ptr("limit must be a positive integer")})
		}
		limit = parsed
	}

	if sessionID := ctx.QueryParam("session_id"); sessionID != "" {
		transitions, err := s.auditLog.ForSession(sessionID)
		if err != nil {
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to read audit trail: %v", err))})
		}
		return ctx.JSON(200, transitions)
	}

	transitions, err := s.auditLog.Recent(limit)
	if err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to read audit trail: %v", err))})
	}
	return ctx.JSON(200, transitions)
}
