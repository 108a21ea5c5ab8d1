package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/warpstation/internal/pkg/usercontext"
)

// TokenVerifier resolves a session token to the user id it was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RequireSession authenticates API requests carrying a Clerk session token,
// either as a bearer token or in the __session cookie. Returns JSON 401 instead of redirect.
func RequireSession(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Cookies("__session"))
		}
		if token == "" {
			return unauthorized(c, "Missing session token")
		}

		userID, err := verifier.Verify(token)
		if err != nil {
			log.Debugf("[Auth] Rejected session token: %v", err)
			return unauthorized(c, "Invalid session token")
		}

		usercontext.SetUserContext(c, usercontext.UserContext{
			UserID:     userID,
			IsLoggedIn: true,
		})
		return c.Next()
	}
}

// RequireAPISessionAuth ensures a logged-in caller was resolved earlier in the chain.
func RequireAPISessionAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return unauthorized(c, "login required")
	}
	return c.Next()
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "unauthorized",
		"message": msg,
	})
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
