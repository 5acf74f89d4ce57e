package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/supportdesk/internal/healthcheck"
)

const readinessTimeout = 3 * time.Second

// HealthHandler serves the readiness check.
type HealthHandler struct {
	checkers []healthcheck.Checker
	logger   *slog.Logger
}

func NewHealthHandler(log *slog.Logger, checkers ...healthcheck.Checker) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{
		checkers: checkers,
		logger:   log.With(slog.String("handler", "health")),
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health/ready", h.Ready)
}

func (h *HealthHandler) Ready(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), readinessTimeout, h.checkers...)
	if !report.Ready() {
		h.logger.Warn("not ready", slog.Any("checks", report.Checks))
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}
