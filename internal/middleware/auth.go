package middleware

import (
	"context"

	"brd-sync/pkg/utils"

	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware validates JWT tokens and injects user claims into context
func AuthMiddleware(skipAuth bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skipAuth {
			// Inject dummy context for dev
			setClaims(c, &utils.UserClaims{
				UserID: "dev-admin-id",
				Roles:  []string{"admin"},
			})
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization header required",
			})
		}

		// Extract token from "Bearer <token>"
		if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		token := authHeader[7:]
		claims, err := utils.ValidateToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		setClaims(c, claims)
		return c.Next()
	}
}

// setClaims exposes claims both to handlers (Locals) and to services (UserContext)
func setClaims(c *fiber.Ctx, claims *utils.UserClaims) {
	c.Locals(utils.UserClaimsKey, claims)
	c.SetUserContext(context.WithValue(c.UserContext(), utils.UserClaimsKey, claims))
}

// UserID returns the authenticated user id for the request
func UserID(c *fiber.Ctx) string {
	if claims, ok := c.Locals(utils.UserClaimsKey).(*utils.UserClaims); ok {
		return claims.UserID
	}
	return ""
}
