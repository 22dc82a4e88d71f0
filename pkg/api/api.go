// Package api defines the wire types of the HTTP surface and binds handler
// implementations to their routes.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Error is the uniform error body returned by every endpoint.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// SpawnRequest asks for a new session of one challenge.
type SpawnRequest struct {
	ChallengeID string `json:"challenge_id"`
	UserID      string `json:"user_id"`
}

// FlagRequest carries one flag submission.
type FlagRequest struct {
	Flag string `json:"flag"`
}

// FlagResponse reports the outcome of a submission. TeardownIn is only set
// on a correct submission.
type FlagResponse struct {
	Correct    bool    `json:"correct"`
	Message    string  `json:"message"`
	TeardownIn *string `json:"teardown_in,omitempty"`
}

// SessionResponse is the public view of one session.
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	ChallengeID  string    `json:"challenge_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	HealthStatus string    `json:"health_status"`
	AccessURL    string    `json:"access_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ChallengeResponse is one catalog entry as shown to users. Container
// details stay internal.
type ChallengeResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Difficulty    string   `json:"difficulty"`
	Category      string   `json:"category"`
	Points        int      `json:"points"`
	Tags          []string `json:"tags,omitempty"`
	EstimatedTime string   `json:"estimated_time,omitempty"`
}

// ServerInterface is implemented by the REST server.
type ServerInterface interface {
	GetHealth(ctx echo.Context) error
	GetHealthSummary(ctx echo.Context) error
	ListChallenges(ctx echo.Context) error
	SpawnSession(ctx echo.Context) error
	ListSessions(ctx echo.Context) error
	GetSession(ctx echo.Context) error
	StopSession(ctx echo.Context) error
	SubmitFlag(ctx echo.Context) error
	GetSessionHealth(ctx echo.Context) error
	ListAdminSessions(ctx echo.Context) error
	GetAuditTrail(ctx echo.Context) error
}

// RegisterHandlers wires the routes to si.
func RegisterHandlers(e *echo.Echo, si ServerInterface) {
	e.GET("/health", si.GetHealth)
	e.GET("/health/summary", si.GetHealthSummary)
	e.GET("/challenges", si.ListChallenges)
	e.POST("/sessions", si.SpawnSession)
	e.GET("/sessions", si.ListSessions)
	e.GET("/sessions/:id", si.GetSession)
	e.DELETE("/sessions/:id", si.StopSession)
	e.POST("/sessions/:id/flag", si.SubmitFlag)
	e.GET("/sessions/:id/health", si.GetSessionHealth)
	e.GET("/admin/sessions", si.ListAdminSessions)
	e.GET("/admin/audit", si.GetAuditTrail)
}
