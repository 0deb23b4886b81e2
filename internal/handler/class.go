package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pixellens/academy/internal/config"
	"github.com/pixellens/academy/internal/middleware"
	"github.com/pixellens/academy/internal/model"
	"github.com/pixellens/academy/internal/repository"
)

// ClassHandler serves class detail reads, instructor submissions and the
// admin review decision.
type ClassHandler struct {
	Classes *repository.ClassRepo
	Cache   config.CacheConfig
	Redis   *redis.Client // nil disables invalidation
}

func NewClassHandler(classes *repository.ClassRepo, cache config.CacheConfig, rdb *redis.Client) *ClassHandler {
	if classes == nil {
		panic("nil ClassRepo passed to NewClassHandler")
	}
	return &ClassHandler{Classes: classes, Cache: cache, Redis: rdb}
}

type classReq struct {
	Name           string          `json:"name" validate:"required,max=255"`
	ImageURL       string          `json:"image_url" validate:"omitempty,url,max=1024"`
	Price          decimal.Decimal `json:"price"`
	AvailableSeats int             `json:"available_seats" validate:"gte=0"`
}

type statusReq struct {
	Status   string `json:"status" validate:"required,oneof=approved denied pending"`
	Feedback string `json:"feedback" validate:"required_if=Status denied,max=2000"`
}

type classResp struct {
	ID             uint64          `json:"id"`
	InstructorID   uint64          `json:"instructor_id"`
	Name           string          `json:"name"`
	ImageURL       string          `json:"image_url"`
	Price          decimal.Decimal `json:"price"`
	AvailableSeats int             `json:"available_seats"`
	Enrolled       int             `json:"enrolled"`
	Status         string          `json:"status"`
	Feedback       *string         `json:"feedback,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toClassResp(c *model.Class) classResp {
	return classResp{
		ID:             c.ID,
		InstructorID:   c.InstructorID,
		Name:           c.Name,
		ImageURL:       c.ImageURL,
		Price:          fromCents(c.PriceCents),
		AvailableSeats: c.AvailableSeats,
		Enrolled:       c.Enrolled,
		Status:         c.Status,
		Feedback:       c.Feedback,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (r classReq) content() (repository.ClassContent, error) {
	cents := int64(0)
	if !r.Price.IsZero() {
		var err error
		if cents, err = toCents("price", r.Price); err != nil {
			return repository.ClassContent{}, err
		}
	}
	return repository.ClassContent{
		Name:           r.Name,
		ImageURL:       r.ImageURL,
		PriceCents:     cents,
		AvailableSeats: r.AvailableSeats,
	}, nil
}

// Get returns an approved class.  Pending and denied classes are hidden
// from the public.
func (h *ClassHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	cl, err := h.Classes.GetByID(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	if cl.Status != model.ClassApproved {
		return respondError(c, repository.ErrClassNotFound)
	}
	return c.JSON(http.StatusOK, toClassResp(cl))
}

// Create submits a new class for review.
func (h *ClassHandler) Create(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return respondError(c, err)
	}
	var req classReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	content, err := req.content()
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	cl, err := h.Classes.Create(ctx, uid, content)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, toClassResp(cl))
}

// Update edits an instructor's own class.
func (h *ClassHandler) Update(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req classReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	content, err := req.content()
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	cl, err := h.Classes.UpdateContent(ctx, uid, id, content)
	if err != nil {
		return respondError(c, err)
	}
	h.invalidate(ctx, id)
	return c.JSON(http.StatusOK, toClassResp(cl))
}

// SetStatus records the admin review decision.
func (h *ClassHandler) SetStatus(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req statusReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	cl, err := h.Classes.SetStatus(ctx, id, req.Status, req.Feedback)
	if err != nil {
		return respondError(c, err)
	}
	h.invalidate(ctx, id)
	return c.JSON(http.StatusOK, toClassResp(cl))
}

func (h *ClassHandler) invalidate(ctx context.Context, id uint64) {
	middleware.InvalidatePath(ctx, h.Cache, h.Redis, fmt.Sprintf("/v1/classes/%d", id))
}
