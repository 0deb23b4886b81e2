package router

import (
	"github.com/labstack/echo/v4"

	"github.com/pixellens/academy/internal/handler"
	"github.com/pixellens/academy/internal/middleware"
	"github.com/pixellens/academy/internal/model"
)

// StudentHandlers groups the handlers served to students.
type StudentHandlers struct {
	Cart        *handler.CartHandler
	Payments    *handler.PaymentHandler
	Enrollments *handler.EnrollmentHandler
}

// RegisterStudent registers cart, payment and enrollment endpoints under
// /v1.  All routes require a valid JWT and the student role.  limiter
// guards the endpoints that reach the payment provider or the checkout
// transaction.
func RegisterStudent(e *echo.Echo, h StudentHandlers, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1")
	auth := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleStudent),
	}
	limited := append(auth[:len(auth):len(auth)], limiter)

	g.POST("/carts", h.Cart.Add, auth...)
	g.GET("/carts", h.Cart.List, auth...)
	g.DELETE("/carts/:id", h.Cart.Delete, auth...)

	g.POST("/payments/intent", h.Payments.CreateIntent, limited...)
	g.POST("/payments", h.Payments.Complete, limited...)
	g.GET("/payments", h.Payments.List, auth...)

	g.GET("/enrollments/me", h.Enrollments.Mine, auth...)
}
