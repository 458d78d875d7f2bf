package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/cmd/evidence/handlers"
	commonmw "github.com/chittyos/evidence-ledger/common/middleware"
	"github.com/chittyos/evidence-ledger/common/ratelimit"
	"github.com/chittyos/evidence-ledger/common/telemetry"
)

// NewRouter builds the echo instance serving the read-only query API
func NewRouter(c *container.Container) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := c.Components.Logger
	e.Use(middleware.Recover())
	e.Use(commonmw.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.WithContext(c.Request().Context()).Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))

	health := handlers.NewHealthHandler(c)
	e.GET("/health", health.Health)
	e.GET("/metrics", echo.WrapHandler(telemetry.MetricsHandler()))

	api := e.Group("/api/v1")
	if svc := c.Components.Config.Service; svc.RateLimit > 0 {
		api.Use(commonmw.ClientRateLimitMiddleware(ratelimit.NewRateLimiter(svc.RateLimit, svc.RateBurst, log)))
	}
	RegisterRecordRoutes(api, c)
	RegisterRunRoutes(api, c)
	if c.Events != nil {
		api.GET("/events", handlers.NewEventHandler(c.Events, log).Stream)
	}

	return e
}
