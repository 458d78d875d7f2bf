package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ledgerError maps a ledger error onto an HTTP error
func ledgerError(log *logger.Logger, msg string, err error, args ...any) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	log.Error(msg, append(args, "error", err)...)
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}

// parseLimit reads ?limit= with a default and an upper bound
func parseLimit(c echo.Context, def int) (int, error) {
	limit := def
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	if limit < 1 || limit > maxLimit {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}
	return limit, nil
}
