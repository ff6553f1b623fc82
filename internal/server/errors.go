package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/floegence/sqlagent/internal/ai"
	"github.com/floegence/sqlagent/internal/tabular"
)

// statusFor maps service and store errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ai.ErrThreadNotFound), errors.Is(err, tabular.ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, ai.ErrThreadBusy),
		errors.Is(err, ai.ErrThreadExists),
		errors.Is(err, ai.ErrInterruptPending),
		errors.Is(err, ai.ErrNoPendingInterrupt),
		errors.Is(err, ai.ErrTurnIncomplete):
		return http.StatusConflict
	case errors.Is(err, ai.ErrInterruptExpired):
		return http.StatusGone
	case errors.Is(err, ai.ErrEmptyMessage),
		errors.Is(err, ai.ErrInterruptMismatch),
		errors.Is(err, tabular.ErrEmptyCSV):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrServiceClosed):
		return http.StatusServiceUnavailable
	}
	switch ai.KindOf(err) {
	case ai.KindValidation:
		return http.StatusBadRequest
	case ai.KindUpstream:
		return http.StatusBadGateway
	case ai.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ai.KindRetriesExhausted:
		return http.StatusUnprocessableEntity
	case ai.KindInterruptTimeout:
		return http.StatusGone
	case ai.KindCanceled:
		// nginx's "client closed request"; nobody is usually left to read it.
		return 499
	}
	return http.StatusInternalServerError
}

// httpErrorHandler renders every handler error in the apiResp envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	}
	resp := apiResp{OK: false, Error: msg, Kind: string(ai.KindOf(err))}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, resp)
}
