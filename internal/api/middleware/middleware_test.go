package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notify-service/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuthMiddleware() *AuthMiddleware {
	verifier := auth.VerifierFunc(func(_ context.Context, token string) (auth.Identity, error) {
		switch token {
		case "admin-token":
			return auth.Identity{SubjectID: "root", Role: "admin"}, nil
		case "viewer-token":
			return auth.Identity{SubjectID: "user-1", Role: "viewer"}, nil
		default:
			return auth.Identity{}, auth.ErrInvalidToken
		}
	})
	return NewAuthMiddleware(verifier, func(role string) bool { return role == "admin" })
}

func TestRequireAuth(t *testing.T) {
	am := testAuthMiddleware()
	engine := gin.New()
	engine.GET("/me", am.RequireAuth(), func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, identity)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer viewer-token", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequirePrivileged(t *testing.T) {
	am := testAuthMiddleware()
	engine := gin.New()
	engine.GET("/admin", am.RequireAuth(), am.RequirePrivileged(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for token, want := range map[string]int{
		"admin-token":  http.StatusOK,
		"viewer-token": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, token)
	}
}

func TestCORS(t *testing.T) {
	engine := gin.New()
	engine.Use(CORS([]string{"https://app.example.com"}))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOriginAllowedDefaults(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{origin: "http://localhost:3000", want: true},
		{origin: "http://127.0.0.1:8080", want: true},
		{origin: "http://[::1]:8080", want: true},
		{origin: "https://example.com", want: false},
		{origin: "https://localhost.evil.com", want: false},
		{origin: "https://evil.com/localhost", want: false},
		{origin: "http://127.0.0.1.nip.io", want: false},
		{origin: "https://example.com", allowed: []string{"*"}, want: true},
		{origin: "http://localhost:3000", allowed: []string{"https://app.example.com"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, tt.allowed))
		})
	}
}

type countingLimiter struct {
	hits  map[string]int
	limit int
	err   error
}

func (l *countingLimiter) CheckRateLimit(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.hits[key]++
	return l.hits[key] <= limit, nil
}

func TestWebSocketRateLimit(t *testing.T) {
	limiter := &countingLimiter{hits: map[string]int{}}
	rm := NewRateLimitMiddleware(limiter, discardLogger())
	engine := gin.New()
	engine.GET("/ws", rm.WebSocketRateLimit(2, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 3, limiter.hits["rate_limit:websocket:203.0.113.9"])
}

func TestWebSocketRateLimitFailsOpen(t *testing.T) {
	rm := NewRateLimitMiddleware(&countingLimiter{err: errors.New("redis down")}, discardLogger())
	engine := gin.New()
	engine.GET("/ws", rm.WebSocketRateLimit(1, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketRateLimitDisabled(t *testing.T) {
	rm := NewRateLimitMiddleware(nil, discardLogger())
	engine := gin.New()
	engine.GET("/ws", rm.WebSocketRateLimit(1, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestLogApi(t *testing.T) {
	engine := gin.New()
	engine.Use(LogApi(discardLogger()))
	engine.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
