package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/models"
)

// RecordHandler serves read-only views of the ledger
type RecordHandler struct {
	ledger *ledger.Ledger
	log    *logger.Logger
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(c *container.Container) *RecordHandler {
	return &RecordHandler{
		ledger: c.Components.Ledger,
		log:    c.Components.Logger,
	}
}

// ListRecords lists records, optionally filtered by status
// GET /api/v1/records?status=MINTED,PENDING_ID&limit=100&after=<cursor>
func (h *RecordHandler) ListRecords(c echo.Context) error {
	limit, err := parseLimit(c, defaultLimit)
	if err != nil {
		return err
	}

	var statuses []models.Status
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown status: "+s)
			}
			statuses = append(statuses, st)
		}
	}

	var after *ledger.Cursor
	if token := c.QueryParam("after"); token != "" {
		after, err = ledger.DecodeCursor(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	recs, err := h.ledger.List(c.Request().Context(), ledger.ListOptions{Statuses: statuses, After: after, Limit: limit})
	if err != nil {
		return ledgerError(h.log.WithContext(c.Request().Context()), "failed to list records", err)
	}

	resp := map[string]interface{}{
		"records": recs,
		"count":   len(recs),
	}
	if len(recs) == limit {
		resp["next_cursor"] = ledger.CursorOf(recs[len(recs)-1]).Encode()
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRecord returns one record
// GET /api/v1/records/:digest
func (h *RecordHandler) GetRecord(c echo.Context) error {
	digest := c.Param("digest")

	rec, err := h.ledger.Get(c.Request().Context(), digest)
	if err != nil {
		return ledgerError(h.log.WithContext(c.Request().Context()), "failed to get record", err, "digest", digest)
	}
	return c.JSON(http.StatusOK, rec)
}

// GetHistory returns the append-only event history of a record
// GET /api/v1/records/:digest/history
func (h *RecordHandler) GetHistory(c echo.Context) error {
	digest := c.Param("digest")

	events, err := h.ledger.History(c.Request().Context(), digest)
	if err != nil {
		return ledgerError(h.log.WithContext(c.Request().Context()), "failed to get history", err, "digest", digest)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"digest": digest,
		"events": events,
	})
}

// Diff returns records created or touched since a time or run
// GET /api/v1/diff?since=<RFC3339|run-id>&cursor=<token>&limit=500
func (h *RecordHandler) Diff(c echo.Context) error {
	since := c.QueryParam("since")
	if since == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "since is required")
	}
	ref, err := ledger.ParseReference(since)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit, err := parseLimit(c, 500)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	it, err := h.ledger.ResumeDiff(ctx, ref, c.QueryParam("cursor"))
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidCursor) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return ledgerError(h.log.WithContext(ctx), "failed to start diff", err, "since", since)
	}

	changes, err := it.Take(ctx, limit)
	if err != nil {
		return ledgerError(h.log.WithContext(ctx), "failed to read diff", err, "since", since)
	}

	resp := map[string]interface{}{
		"since":   it.Since(),
		"changes": changes,
		"count":   len(changes),
	}
	if len(changes) == limit {
		resp["next_cursor"] = it.Cursor()
	}
	return c.JSON(http.StatusOK, resp)
}

// Status returns record counts by status
// GET /api/v1/status
func (h *RecordHandler) Status(c echo.Context) error {
	counts, err := h.ledger.StatusCounts(c.Request().Context())
	if err != nil {
		return ledgerError(h.log.WithContext(c.Request().Context()), "failed to count records", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":    total,
		"statuses": counts,
	})
}
