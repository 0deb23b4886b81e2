package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

	"github.com/pixellens/academy/internal/model"
	"github.com/pixellens/academy/internal/utils"
)

// Context keys set by JWTAuth.
const (
	CtxUserID = "user_id" // uint64
	CtxEmail  = "email"   // string, lower case
	CtxRole   = "role"    // string
)

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// injects the token's subject, email and role claims into the request
// context.  The provided secret must match the one used when issuing
// tokens.  Handlers read the identity via c.Get(CtxUserID), c.Get(CtxEmail)
// and c.Get(CtxRole).
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// A valid header starts with "Bearer " followed by the JWT.
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, model.ErrorBody{Error: "unauthorized", Message: "missing bearer token"})
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			claims, err := utils.ParseAccessToken(secret, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, model.ErrorBody{Error: "unauthorized", Message: "invalid token"})
			}
			uid, _ := claims.UserID() // validated by ParseAccessToken

			c.Set(CtxUserID, uid)
			c.Set(CtxEmail, strings.ToLower(claims.Email))
			c.Set(CtxRole, claims.Role)
			return next(c)
		}
	}
}
