package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql"

	"github.com/labstack/echo/v4"

	"github.com/pixellens/academy/internal/handler"
	"github.com/pixellens/academy/internal/metrics"
	"github.com/pixellens/academy/internal/middleware"
	"github.com/pixellens/academy/internal/model"
)

// RegisterRoutes registers routes that need no authentication: liveness,
// readiness and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, db *sql.DB, m *metrics.ServerMetrics) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
}

// RegisterAuth registers the session endpoints.  Register, login, refresh
// and logout live under /v1/auth; /v1/me needs a valid access token of
// any role.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh) // rotates the refresh token
	g.POST("/refresh-access", a.RefreshAccess)
	g.POST("/logout", a.Logout)

	e.GET("/v1/me", a.Me,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleStudent, model.RoleInstructor, model.RoleAdmin),
	)
}

// RegisterPublic registers guest browse endpoints.  cache may be a
// pass-through.
func RegisterPublic(e *echo.Echo, c *handler.ClassHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/classes/:id", c.Get, cache)
}
