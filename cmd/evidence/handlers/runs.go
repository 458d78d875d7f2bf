package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
)

// RunHandler handles ingestion run queries
type RunHandler struct {
	ledger *ledger.Ledger
	log    *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{
		ledger: c.Components.Ledger,
		log:    c.Components.Logger,
	}
}

// ListRuns lists the most recent runs first
// GET /api/v1/runs?limit=20
func (h *RunHandler) ListRuns(c echo.Context) error {
	limit, err := parseLimit(c, 20)
	if err != nil {
		return err
	}

	runs, err := h.ledger.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return ledgerError(h.log.WithContext(c.Request().Context()), "failed to list runs", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun retrieves a specific run
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	run, err := h.ledger.GetRun(c.Request().Context(), runID)
	if err != nil {
		return ledgerError(h.log.WithContext(c.Request().Context()), "failed to get run", err, "run_id", runID)
	}
	return c.JSON(http.StatusOK, run)
}
