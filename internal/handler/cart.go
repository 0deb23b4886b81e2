package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pixellens/academy/internal/repository"
)

// CartHandler manages the authenticated student's cart.
type CartHandler struct {
	Carts *repository.CartRepo
}

func NewCartHandler(carts *repository.CartRepo) *CartHandler {
	if carts == nil {
		panic("nil CartRepo passed to NewCartHandler")
	}
	return &CartHandler{Carts: carts}
}

type addCartReq struct {
	ClassID uint64 `json:"class_id" validate:"required,gt=0"`
}

// Add puts one approved class into the cart.
func (h *CartHandler) Add(c echo.Context) error {
	email, err := getEmail(c)
	if err != nil {
		return respondError(c, err)
	}
	var req addCartReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	item, err := h.Carts.Add(ctx, email, req.ClassID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, item)
}

// List returns the cart in insertion order.
func (h *CartHandler) List(c echo.Context) error {
	email, err := getEmail(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Carts.ListByStudent(ctx, email)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Delete removes one of the student's own cart items.
func (h *CartHandler) Delete(c echo.Context) error {
	email, err := getEmail(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Carts.Delete(ctx, email, id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
