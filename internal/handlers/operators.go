package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/supportdesk/internal/auth"
	"github.com/memohai/supportdesk/internal/presence"
)

// OperatorSocketHandler connects operators to the presence hub and serves
// the online roster and token refresh.
type OperatorSocketHandler struct {
	hub          *presence.Hub
	upgrader     *websocket.Upgrader
	jwtSecret    string
	jwtExpiresIn time.Duration
	logger       *slog.Logger
}

func NewOperatorSocketHandler(log *slog.Logger, hub *presence.Hub, jwtSecret string, jwtExpiresIn time.Duration) *OperatorSocketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OperatorSocketHandler{
		hub:          hub,
		upgrader:     newUpgrader(nil),
		jwtSecret:    jwtSecret,
		jwtExpiresIn: jwtExpiresIn,
		logger:       log.With(slog.String("handler", "operators")),
	}
}

func (h *OperatorSocketHandler) Register(e *echo.Echo) {
	e.GET("/operators/online", h.Online)
	e.GET("/operators/ws", h.Socket)
	e.POST("/auth/refresh", h.Refresh)
}

type RefreshResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *OperatorSocketHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.jwtExpiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RefreshResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: expiresAt})
}

func (h *OperatorSocketHandler) Online(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.hub.Online(op.TenantID))
}

// operatorConn is a presence.Conn over a websocket.
type operatorConn struct {
	*socket
}

func (c operatorConn) Send(ctx context.Context, ev presence.Event) error {
	return c.writeJSON(ctx, ev)
}

// operatorCommand is a client frame that changes team subscriptions.
type operatorCommand struct {
	Type   string `json:"type"`
	TeamID string `json:"team_id"`
}

const (
	commandJoinTeam  = "join_team"
	commandLeaveTeam = "leave_team"
)

// Socket joins the operator to the hub for the lifetime of the websocket.
func (h *OperatorSocketHandler) Socket(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("operator upgrade failed", slog.Any("error", err))
		return nil
	}
	conn := operatorConn{socket: newSocket(ws)}
	if err := h.hub.Join(conn, op); err != nil {
		conn.close()
		return nil
	}
	defer func() {
		h.hub.Leave(conn.ID())
		conn.close()
	}()
	go conn.keepAlive()

	conn.readLoop(func(data []byte) {
		var cmd operatorCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		teamID := strings.TrimSpace(cmd.TeamID)
		if teamID == "" {
			return
		}
		group := presence.TeamGroup(op.TenantID, teamID)
		switch cmd.Type {
		case commandJoinTeam:
			err = h.hub.AddToGroup(conn.ID(), group)
		case commandLeaveTeam:
			err = h.hub.RemoveFromGroup(conn.ID(), group)
		default:
			return
		}
		if err != nil {
			h.logger.Debug("team subscription change failed",
				slog.String("user_id", op.ID),
				slog.String("team_id", teamID),
				slog.Any("error", err))
		}
	})
	return nil
}
