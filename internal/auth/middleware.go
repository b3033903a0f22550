package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"bridge-backend/internal/apperr"
)

// Middleware returns a Fiber middleware that validates JWT tokens
// and sets the Operator on the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return apperr.AuthenticationFailed("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return apperr.AuthenticationFailed("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return apperr.AuthenticationFailed("Invalid or expired token")
		}

		c.Locals("operator", &Operator{
			ID:    claims.Subject,
			Email: claims.Email,
			Roles: claims.Roles,
		})

		return c.Next()
	}
}

// GetOperator extracts the Operator from a Fiber context.
func GetOperator(c *fiber.Ctx) *Operator {
	op, _ := c.Locals("operator").(*Operator)
	return op
}
