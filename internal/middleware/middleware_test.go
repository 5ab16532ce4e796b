package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/middleware"
)

const testSecret = "test-secret"

func newAuthApp(m *middleware.AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/api/me", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(middleware.GetUserID(c))
	})
	return app
}

func TestAuthenticate(t *testing.T) {
	m := middleware.NewAuthMiddleware(testSecret)
	valid, err := m.GenerateToken("user-1", "u@example.com")
	require.NoError(t, err)
	foreign, err := middleware.NewAuthMiddleware("other-secret").GenerateToken("user-1", "u@example.com")
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.UserClaims{
		UserID:           "user-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := map[string]struct {
		header    string
		query     string
		expStatus int
		expUser   string
	}{
		"a valid bearer token should pass": {
			header:    "Bearer " + valid,
			expStatus: http.StatusOK,
			expUser:   "user-1",
		},
		"a valid query token should pass": {
			query:     "?token=" + valid,
			expStatus: http.StatusOK,
			expUser:   "user-1",
		},
		"a missing token should be rejected": {
			expStatus: http.StatusUnauthorized,
		},
		"a malformed header should be rejected": {
			header:    "Token " + valid,
			expStatus: http.StatusUnauthorized,
		},
		"a token signed with another secret should be rejected": {
			header:    "Bearer " + foreign,
			expStatus: http.StatusUnauthorized,
		},
		"an expired token should be rejected": {
			header:    "Bearer " + expired,
			expStatus: http.StatusUnauthorized,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me"+test.query, nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}

			resp, err := newAuthApp(m).Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, test.expStatus, resp.StatusCode)
			if test.expUser != "" {
				buf := make([]byte, 64)
				n, _ := resp.Body.Read(buf)
				assert.Equal(t, test.expUser, string(buf[:n]))
			}
		})
	}
}

func newLimitedApp(rl *middleware.RateLimiter, prefix string, max int) *fiber.App {
	app := fiber.New()
	app.Post("/api/tasks", rl.Limit(prefix, max, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusAccepted)
	})
	return app
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	app := newLimitedApp(middleware.NewRateLimiter(client, log.Noop), "submit", 2)

	post := func() *http.Response {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/tasks", nil), -1)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	var statuses []int
	for i := 0; i < 3; i++ {
		resp := post()
		statuses = append(statuses, resp.StatusCode)
		if i == 2 {
			assert.Equal(t, "60", resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, statuses)

	// A new window starts once the counter expires.
	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusAccepted, post().StatusCode)
}

func TestRateLimitFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	app := newLimitedApp(middleware.NewRateLimiter(client, nil), "submit", 1)
	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/tasks", nil), -1)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	app := newLimitedApp(middleware.NewRateLimiter(nil, nil), "submit", 0)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/tasks", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}
