package pkg

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/markmysler/dvc-sub001/internal/catalog"
	"github.com/markmysler/dvc-sub001/pkg/api"
	"github.com/markmysler/dvc-sub001/pkg/audit"
	"github.com/markmysler/dvc-sub001/pkg/config"
	derrors "github.com/markmysler/dvc-sub001/pkg/errors"
	"github.com/markmysler/dvc-sub001/pkg/health"
	"github.com/markmysler/dvc-sub001/pkg/orchestrator"
	"github.com/markmysler/dvc-sub001/pkg/session"
	"github.com/markmysler/dvc-sub001/pkg/utils"
)

// Server implements api.ServerInterface
type Server struct {
	orch        *orchestrator.Orchestrator
	monitor     *health.Monitor
	challIdx    catalog.Catalog
	auditLog    *audit.Log
	confProv    config.Provider
	expirySched *orchestrator.ExpiryScheduler
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	Orchestrator    *orchestrator.Orchestrator
	Monitor         *health.Monitor
	Catalog         catalog.Catalog
	AuditLog        *audit.Log
	ConfigProvider  config.Provider
	ExpiryScheduler *orchestrator.ExpiryScheduler
}

var _ api.ServerInterface = (*Server)(nil)

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// Mandatory dependencies are Orchestrator, Catalog, and ConfigProvider.
func NewServerWithOpts(opts ServerOpts) *Server {
	return &Server{
		orch:        opts.Orchestrator,
		monitor:     opts.Monitor,
		challIdx:    opts.Catalog,
		auditLog:    opts.AuditLog,
		confProv:    opts.ConfigProvider,
		expirySched: opts.ExpiryScheduler,
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) GetHealthSummary(ctx echo.Context) error {
	active := s.orch.ListActive()
	counts := make(map[string]int)
	for _, sess := range active {
		counts[string(sess.Health)]++
	}
	summary := map[string]interface{}{
		"status":          "ok",
		"active_sessions": len(active),
		"health_counts":   counts,
	}
	if s.monitor != nil {
		summary["sessions"] = s.monitor.Summary()
	}
	return ctx.JSON(200, summary)
}

func (s *Server) ListChallenges(ctx echo.Context) error {
	challenges := s.challIdx.All()
	resp := make([]api.ChallengeResponse, 0, len(challenges))
	for _, chall := range challenges {
		resp = append(resp, api.ChallengeResponse{
			ID:            chall.ID,
			Name:          chall.Name,
			Difficulty:    string(chall.Difficulty),
			Category:      chall.Category,
			Points:        chall.Points,
			Tags:          chall.Tags,
			EstimatedTime: chall.EstimatedTime,
		})
	}
	return ctx.JSON(200, resp)
}

func (s *Server) SpawnSession(ctx echo.Context) error {
	var req api.SpawnRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.ChallengeID == "" || req.UserID == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("challenge_id and user_id are required")})
	}
	zap.S().Infof("Spawn request received for challenge %s for user %s", req.ChallengeID, req.UserID)

	sess, err := s.orch.Spawn(ctx.Request().Context(), req.ChallengeID, req.UserID)
	if err != nil {
		return s.errorResponse(ctx, err, "Failed to spawn session")
	}
	if s.expirySched != nil {
		s.expirySched.NotifyChange()
	}
	return ctx.JSON(202, sessionResponse(sess))
}

func (s *Server) ListSessions(ctx echo.Context) error {
	userID := ctx.QueryParam("user_id")
	resp := make([]api.SessionResponse, 0)
	for _, sess := range s.orch.ListActive() {
		if userID != "" && sess.UserID != userID {
			continue
		}
		resp = append(resp, sessionResponse(sess))
	}
	return ctx.JSON(200, resp)
}

func (s *Server) GetSession(ctx echo.Context) error {
	sess, err := s.orch.GetSession(ctx.Param("id"))
	if err != nil {
		return s.errorResponse(ctx, err, "Failed to get session")
	}
	return ctx.JSON(200, sessionResponse(sess))
}

func (s *Server) StopSession(ctx echo.Context) error {
	id := ctx.Param("id")
	zap.S().Debugf("Stop request received for session %s", id)

	if _, err := s.orch.GetSession(id); err != nil {
		return s.errorResponse(ctx, err, "Failed to get session")
	}
	s.orch.StopAsync(id, "user requested")
	return ctx.NoContent(202)
}

func (s *Server) SubmitFlag(ctx echo.Context) error {
	id := ctx.Param("id")
	var req api.FlagRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.Flag == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("flag is required")})
	}

	correct, grace, err := s.orch.ValidateFlagSubmission(id, req.Flag)
	if err != nil {
		return s.errorResponse(ctx, err, "Failed to validate flag")
	}
	if !correct {
		return ctx.JSON(200, api.FlagResponse{
			Correct: false,
			Message: "Incorrect flag",
		})
	}
	return ctx.JSON(200, api.FlagResponse{
		Correct:    true,
		Message:    "Correct! The session will shut down shortly.",
		TeardownIn: utils.Ptr(utils.FormatDuration(grace)),
	})
}

func (s *Server) GetSessionHealth(ctx echo.Context) error {
	sess, err := s.orch.GetSession(ctx.Param("id"))
	if err != nil {
		return s.errorResponse(ctx, err, "Failed to get session")
	}
	resp := map[string]interface{}{
		"session_id":    sess.ID,
		"health_status": sess.Health,
	}
	if s.monitor != nil {
		if rec, ok := s.monitor.Session(sess.ID); ok {
			resp["consecutive_failures"] = rec.ConsecutiveFailures
			resp["restart_attempts"] = rec.RestartAttempts
			resp["last_checked"] = rec.LastChecked
		}
	}
	return ctx.JSON(200, resp)
}

// errorResponse maps the error taxonomy onto HTTP status codes.
func (s *Server) errorResponse(ctx echo.Context, err error, logContext string) error {
	switch derrors.KindOf(err) {
	case derrors.KindUnknownChallenge, derrors.KindInvalidSession:
		return ctx.JSON(404, api.Error{Message: utils.Ptr(err.Error())})
	case derrors.KindDuplicateSession:
		return ctx.JSON(409, api.Error{Message: utils.Ptr(err.Error())})
	case derrors.KindConcurrencyLimit:
		return ctx.JSON(429, api.Error{Message: utils.Ptr(err.Error())})
	case derrors.KindValidation:
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	default:
		zap.S().Errorf("%s: %v", logContext, err)
		return ctx.JSON(http.StatusInternalServerError, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("%s: %v", logContext, err))})
	}
}

func sessionResponse(sess session.Session) api.SessionResponse {
	return api.SessionResponse{
		SessionID:    sess.ID,
		ChallengeID:  sess.ChallengeID,
		UserID:       sess.UserID,
		Status:       string(sess.Status),
		HealthStatus: string(sess.Health),
		AccessURL:    sess.AccessURL,
		CreatedAt:    sess.CreatedAt,
		ExpiresAt:    sess.ExpiresAt,
	}
}
