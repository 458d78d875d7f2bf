package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/cmd/evidence/handlers"
)

// RegisterRecordRoutes registers read-only ledger routes
func RegisterRecordRoutes(e *echo.Group, c *container.Container) {
	h := handlers.NewRecordHandler(c)

	records := e.Group("/records")
	{
		records.GET("", h.ListRecords)                // GET /api/v1/records?status=MINTED
		records.GET("/:digest", h.GetRecord)          // GET /api/v1/records/sha256:abc...
		records.GET("/:digest/history", h.GetHistory) // GET /api/v1/records/sha256:abc.../history
	}

	e.GET("/diff", h.Diff)     // GET /api/v1/diff?since=2024-05-01T00:00:00Z
	e.GET("/status", h.Status) // GET /api/v1/status
}
