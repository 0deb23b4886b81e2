package router

import (
	"github.com/labstack/echo/v4"

	"github.com/pixellens/academy/internal/handler"
	"github.com/pixellens/academy/internal/middleware"
	"github.com/pixellens/academy/internal/model"
)

// RegisterInstructor registers class submission endpoints.  Ownership is
// checked in the repository.
func RegisterInstructor(e *echo.Echo, h *handler.ClassHandler, jwtSecret string) {
	auth := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleInstructor),
	}
	e.POST("/v1/classes", h.Create, auth...)
	e.PUT("/v1/classes/:id", h.Update, auth...)
}

// RegisterAdmin registers the class review endpoint.
func RegisterAdmin(e *echo.Echo, h *handler.ClassHandler, jwtSecret string) {
	e.PATCH("/v1/classes/:id/status", h.SetStatus,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
}
