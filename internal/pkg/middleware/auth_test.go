package middleware

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/warpstation/internal/pkg/usercontext"
)

type stubVerifier map[string]string

func (v stubVerifier) Verify(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

func newApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", RequireSession(stubVerifier{"good": "user_1"}), RequireAPISessionAuth, func(c *fiber.Ctx) error {
		return c.SendString(usercontext.GetUserID(c))
	})
	app.Get("/open", RequireAPISessionAuth, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestRequireSession(t *testing.T) {
	app := newApp()

	tests := []struct {
		name   string
		header string
		cookie string
		status int
		body   string
	}{
		{name: "bearer", header: "Bearer good", status: fiber.StatusOK, body: "user_1"},
		{name: "lowercase scheme", header: "bearer good", status: fiber.StatusOK, body: "user_1"},
		{name: "cookie", cookie: "good", status: fiber.StatusOK, body: "user_1"},
		{name: "missing", status: fiber.StatusUnauthorized},
		{name: "invalid", header: "Bearer bad", status: fiber.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", status: fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.Header.Set("Cookie", "__session="+tt.cookie)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.body != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.body, string(body))
			}
		})
	}
}

func TestRequireAPISessionAuth_Anonymous(t *testing.T) {
	resp, err := newApp().Test(httptest.NewRequest("GET", "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
