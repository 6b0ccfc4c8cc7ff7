package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Vision/internal/pkg/env"
)

func newTokenApp() *fiber.App {
	app := fiber.New()
	app.Get("/private", BillingAPITokenMiddleware(), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestBillingAPITokenMiddleware(t *testing.T) {
	env.Env = map[string]string{"BILLING_API_TOKEN": "s3cret"}
	t.Cleanup(func() { env.Env = nil })
	app := newTokenApp()

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing", "", "", fiber.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", fiber.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cret", fiber.StatusOK},
		{"lowercase bearer", "Authorization", "bearer s3cret", fiber.StatusOK},
		{"api key header", "X-API-Key", "s3cret", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/private", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestBillingAPITokenMiddleware_Misconfigured(t *testing.T) {
	env.Env = map[string]string{}
	t.Cleanup(func() { env.Env = nil })
	t.Setenv("BILLING_API_TOKEN", "")

	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := newTokenApp().Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
