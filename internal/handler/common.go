package handler // handler defines http handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/pixellens/academy/internal/middleware"
	"github.com/pixellens/academy/internal/model"
	"github.com/pixellens/academy/internal/payment"
	"github.com/pixellens/academy/internal/repository"
	"github.com/pixellens/academy/internal/service"
)

var (
	errBadBody       = errors.New("invalid request body")
	errUnauthorized  = errors.New("unauthorized")
	errEmailMismatch = errors.New("email does not match the authenticated user")
)

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

func (cv *Validator) Validate(i interface{}) error {
	return cv.v.Struct(i)
}

// bind decodes the body into req and validates it.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return c.Validate(req)
}

// getUserID extracts the user_id set by JWTAuth.
func getUserID(c echo.Context) (uint64, error) {
	if id, ok := c.Get(middleware.CtxUserID).(uint64); ok && id != 0 {
		return id, nil
	}
	return 0, errUnauthorized
}

// getEmail extracts the authenticated user's email.
func getEmail(c echo.Context) (string, error) {
	if email, ok := c.Get(middleware.CtxEmail).(string); ok && email != "" {
		return email, nil
	}
	return "", errUnauthorized
}

// parseID reads a positive numeric path parameter.
func parseID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, &service.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return id, nil
}

// respondError writes err using the shared envelope and status mapping.
func respondError(c echo.Context, err error) error {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, body)
}

// HTTPErrorHandler renders errors that escape handlers, including echo's
// own 404/405, in the shared envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	_ = respondError(c, err)
}

// errorResponse is the single mapping from failure kind to status code.
func errorResponse(err error) (int, model.ErrorBody) {
	var (
		ve      *service.ValidationError
		vErrs   validator.ValidationErrors
		seats   *repository.SeatsExhaustedError
		apiErr  *payment.APIError
		step    *service.StepError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, model.ErrorBody{Error: "validation_failed", Message: ve.Error()}
	case errors.As(err, &vErrs):
		fields := make(map[string]string, len(vErrs))
		for _, fe := range vErrs {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusBadRequest, model.ErrorBody{Error: "validation_failed", Message: "request validation failed", Details: fields}
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest, model.ErrorBody{Error: "bad_request", Message: errBadBody.Error()}
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, model.ErrorBody{Error: "unauthorized", Message: "authentication required"}
	case errors.Is(err, errEmailMismatch):
		return http.StatusForbidden, model.ErrorBody{Error: "forbidden", Message: errEmailMismatch.Error()}
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, model.ErrorBody{Error: "forbidden", Message: "not allowed to access this resource"}
	case errors.Is(err, repository.ErrClassNotFound):
		return http.StatusNotFound, model.ErrorBody{Error: "class_not_found", Message: err.Error()}
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, model.ErrorBody{Error: "not_found", Message: "resource not found"}
	case errors.As(err, &seats):
		return http.StatusConflict, model.ErrorBody{Error: "seats_exhausted", Message: seats.Error(), Details: map[string][]uint64{"class_ids": seats.ClassIDs}}
	case errors.Is(err, repository.ErrClassNotOpen):
		return http.StatusConflict, model.ErrorBody{Error: "class_not_open", Message: err.Error()}
	case errors.Is(err, repository.ErrEmailExists):
		return http.StatusConflict, model.ErrorBody{Error: "email_exists", Message: "email already exists"}
	case errors.Is(err, service.ErrIdempotencyConflict):
		return http.StatusConflict, model.ErrorBody{Error: "idempotency_conflict", Message: err.Error()}
	case errors.Is(err, repository.ErrDuplicatePayment):
		return http.StatusConflict, model.ErrorBody{Error: "duplicate_payment", Message: err.Error()}
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, model.ErrorBody{Error: "conflict", Message: "already exists"}
	case errors.Is(err, service.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired, model.ErrorBody{Error: "payment_not_confirmed", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, model.ErrorBody{Error: "timeout", Message: "request timed out"}
	case errors.Is(err, payment.ErrNotConfigured):
		return http.StatusServiceUnavailable, model.ErrorBody{Error: "payment_unavailable", Message: "payment provider not configured"}
	case errors.Is(err, payment.ErrUnavailable), errors.As(err, &apiErr):
		return http.StatusBadGateway, model.ErrorBody{Error: "payment_provider_error", Message: "payment provider request failed"}
	case errors.As(err, &step):
		return http.StatusInternalServerError, model.ErrorBody{Error: "checkout_failed", Message: "checkout failed and was rolled back", Details: map[string]string{"step": step.Step}}
	case errors.As(err, &httpErr):
		msg := http.StatusText(httpErr.Code)
		if s, ok := httpErr.Message.(string); ok {
			msg = s
		}
		code := strings.ToLower(strings.ReplaceAll(http.StatusText(httpErr.Code), " ", "_"))
		return httpErr.Code, model.ErrorBody{Error: code, Message: msg}
	}
	return http.StatusInternalServerError, model.ErrorBody{Error: "internal_error", Message: "internal server error"}
}

var maxCents = decimal.NewFromInt(math.MaxInt64)

// toCents converts a decimal amount with at most two fractional digits to
// minor units.
func toCents(field string, d decimal.Decimal) (int64, error) {
	if !d.IsPositive() {
		return 0, &service.ValidationError{Field: field, Message: "must be greater than zero"}
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, &service.ValidationError{Field: field, Message: "must have at most two decimal places"}
	}
	if cents.GreaterThan(maxCents) {
		return 0, &service.ValidationError{Field: field, Message: "is too large"}
	}
	return cents.IntPart(), nil
}

// fromCents renders minor units as a two-digit decimal.
func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
