package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/dispatch"
	"github.com/memohai/supportdesk/internal/message"
)

// httpError maps domain sentinels to HTTP status codes.
func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &he):
		return he
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, message.ErrNotFound),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, channel.ErrUnknownChannelSource):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrAlreadyClaimed),
		errors.Is(err, conversation.ErrConcurrencyConflict),
		errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, message.ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNotAssigned):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrEmptyReply),
		errors.Is(err, channel.ErrInvalidInbound):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return nil
}
