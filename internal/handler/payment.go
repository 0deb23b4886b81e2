package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/pixellens/academy/internal/repository"
	"github.com/pixellens/academy/internal/service"
)

// IdempotencyHeader carries the client's retry key for a checkout.
const IdempotencyHeader = "Idempotency-Key"

// PaymentHandler exposes intent creation, checkout completion and the
// student's payment history.
type PaymentHandler struct {
	Checkout *service.CheckoutService
	Payments *repository.PaymentRepo
}

func NewPaymentHandler(checkout *service.CheckoutService, payments *repository.PaymentRepo) *PaymentHandler {
	if checkout == nil || payments == nil {
		panic("nil dependency passed to NewPaymentHandler")
	}
	return &PaymentHandler{Checkout: checkout, Payments: payments}
}

type intentReq struct {
	Amount decimal.Decimal `json:"amount"`
}

type intentResp struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"client_secret"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

type checkoutReq struct {
	Email           string          `json:"email" validate:"required,email"`
	ClassIDs        []uint64        `json:"class_ids" validate:"required,min=1,dive,gt=0"`
	CartIDs         []uint64        `json:"cart_ids" validate:"omitempty,dive,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentIntentID string          `json:"payment_intent_id" validate:"max=255"`
}

type paymentResp struct {
	ID              uint64          `json:"id"`
	Reference       string          `json:"reference"`
	ClassIDs        []uint64        `json:"class_ids"`
	CartIDs         []uint64        `json:"cart_ids"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentIntentID *string         `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CreateIntent opens a provider payment intent and hands the client secret
// to the browser.
func (h *PaymentHandler) CreateIntent(c echo.Context) error {
	var req intentReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	cents, err := toCents("amount", req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	in, err := h.Checkout.CreateIntent(ctx, cents)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, intentResp{
		ID:           in.ID,
		ClientSecret: in.ClientSecret,
		Status:       in.Status,
		Amount:       fromCents(in.Amount),
		Currency:     in.Currency,
	})
}

// Complete records a paid checkout.  The body email must belong to the
// caller.  A replayed request answers 200 with the original result.
func (h *PaymentHandler) Complete(c echo.Context) error {
	email, err := getEmail(c)
	if err != nil {
		return respondError(c, err)
	}
	var req checkoutReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if repository.NormalizeEmail(req.Email) != repository.NormalizeEmail(email) {
		return respondError(c, errEmailMismatch)
	}
	cents, err := toCents("amount", req.Amount)
	if err != nil {
		return respondError(c, err)
	}

	// The service applies its own deadline.
	res, err := h.Checkout.Complete(c.Request().Context(), service.CheckoutRequest{
		StudentEmail:    req.Email,
		ClassIDs:        req.ClassIDs,
		CartIDs:         req.CartIDs,
		AmountCents:     cents,
		PaymentIntentID: req.PaymentIntentID,
		IdempotencyKey:  c.Request().Header.Get(IdempotencyHeader),
		RequestID:       c.Response().Header().Get(echo.HeaderXRequestID),
	})
	if err != nil {
		return respondError(c, err)
	}
	if res.Payment.Replayed {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// List returns the caller's payments, newest first.
func (h *PaymentHandler) List(c echo.Context) error {
	email, err := getEmail(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	list, err := h.Payments.ListByStudent(ctx, email)
	if err != nil {
		return respondError(c, err)
	}
	out := make([]paymentResp, 0, len(list))
	for _, p := range list {
		out = append(out, paymentResp{
			ID:              p.ID,
			Reference:       p.Reference,
			ClassIDs:        p.ClassIDs,
			CartIDs:         p.CartIDs,
			Amount:          fromCents(p.AmountCents),
			Currency:        p.Currency,
			PaymentIntentID: p.PaymentIntentID,
			CreatedAt:       p.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"payments": out})
}
