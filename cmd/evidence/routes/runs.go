package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/cmd/evidence/handlers"
)

// RegisterRunRoutes registers ingestion run routes
func RegisterRunRoutes(e *echo.Group, c *container.Container) {
	h := handlers.NewRunHandler(c)

	runs := e.Group("/runs")
	{
		runs.GET("", h.ListRuns)   // GET /api/v1/runs?limit=20
		runs.GET("/:id", h.GetRun) // GET /api/v1/runs/{run_id}
	}
}
