package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/gofetch/internal/api/controllers"
	"github.com/datallboy/gofetch/internal/app"
)

// NewServer builds the echo instance with every route registered.
func NewServer(app *app.Context) *echo.Echo {
	e := echo.New()
	RegisterRoutes(e, app)
	return e
}

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	status := &controllers.StatusController{App: app}

	e.GET("/healthz", status.Health)

	// Read-only views of the network monitor and history
	e.GET("/api/network", status.Network)
	e.GET("/api/history", status.History)
	e.GET("/api/retry/stats", status.RetryStats)

	// Manual retry pass, same gate as the monitor: a no-op unless the network is GOOD
	e.POST("/api/retry", status.RunRetry)
}
