package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/common/bootstrap"
)

// HealthHandler reports liveness of the ledger backends
type HealthHandler struct {
	components *bootstrap.Components
}

func NewHealthHandler(c *container.Container) *HealthHandler {
	return &HealthHandler{components: c.Components}
}

// Health checks the database and redis connections when configured
// GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	if err := h.components.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": h.components.Config.Service.Name,
		"backend": h.components.Config.Ledger.Backend,
	})
}
