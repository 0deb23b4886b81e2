package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pixellens/academy/internal/repository"
)

type EnrollmentHandler struct {
	Enrollments *repository.EnrollmentRepo
}

func NewEnrollmentHandler(e *repository.EnrollmentRepo) *EnrollmentHandler {
	if e == nil {
		panic("nil EnrollmentRepo passed to NewEnrollmentHandler")
	}
	return &EnrollmentHandler{Enrollments: e}
}

// Mine returns the caller's enrollment.  A student who never checked out
// gets 404.
func (h *EnrollmentHandler) Mine(c echo.Context) error {
	email, err := getEmail(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	e, err := h.Enrollments.GetByStudent(ctx, email)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}
