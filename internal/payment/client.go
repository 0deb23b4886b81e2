// Package payment talks to the card-payment provider.  The provider speaks
// the Stripe REST dialect: form-encoded requests, JSON responses and a
// bearer secret key.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/pixellens/academy/internal/config"
)

// Intent statuses reported by the provider.
const (
	StatusSucceeded             = "succeeded"
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusProcessing            = "processing"
	StatusCanceled              = "canceled"
)

var (
	// ErrNotConfigured is returned by every call on a client built without
	// a secret key.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrUnavailable wraps transport failures talking to the provider.
	ErrUnavailable = errors.New("payment provider unavailable")
)

// Intent is the subset of a provider payment intent the service uses.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unexpected response"
	}
	return fmt.Sprintf("payment provider: %d %s", e.StatusCode, msg)
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a provider client.  A nil *Client is valid and reports
// ErrNotConfigured.
type Client struct {
	http *resty.Client
}

// NewClient builds a client from cfg.  It returns nil when no secret key
// is configured.
func NewClient(cfg config.PaymentConfig) *Client {
	if cfg.SecretKey == "" {
		return nil
	}
	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout)
	return &Client{http: r}
}

// CreateIntent opens a payment intent for amountCents and returns it with
// the client secret the browser needs to confirm the card payment.
func (c *Client) CreateIntent(ctx context.Context, amountCents int64, currency string, methodTypes []string) (*Intent, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", strings.ToLower(currency))
	for _, m := range methodTypes {
		form.Add("payment_method_types[]", m)
	}
	var out Intent
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		SetResult(&out).
		SetError(&errorBody{}).
		Post("/v1/payment_intents")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIntent fetches the current state of a payment intent.
func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	var out Intent
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&errorBody{}).
		Get("/v1/payment_intents/{id}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !resp.IsError() && resp.IsSuccess() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		apiErr.Type = body.Error.Type
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}
