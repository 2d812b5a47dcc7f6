package middleware_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	mw "github.com/kiranshivaraju/framequeue/internal/api/middleware"
	"github.com/kiranshivaraju/framequeue/internal/cache"
	cachemock "github.com/kiranshivaraju/framequeue/internal/cache/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const rawKey = "fq_test1234567890abcdef"

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func authed(key string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_DisabledWithoutHashes(t *testing.T) {
	auth := mw.NewAuth(nil)
	assert.False(t, auth.Enabled())

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed(""))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_BlankHashesIgnored(t *testing.T) {
	assert.False(t, mw.NewAuth([]string{"", "  "}).Enabled())
}

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, rawKey)})

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed(""))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, rawKey)})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, rawKey)})

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed("short"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key format", errBody(t, w)["message"])
}

func TestAuth_WrongKey(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, "different_key_entirely")})

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed(rawKey))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", errBody(t, w)["message"])
}

func TestAuth_ValidKeySetsPrefix(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, "another_key_0000"), hashKey(t, rawKey)})

	var gotPrefix string
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefix, gotOK = mw.KeyPrefix(r)
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	auth.Authenticate(inner).ServeHTTP(w, authed(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, rawKey[:8], gotPrefix)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, rawKey)})
	rl := mw.NewRateLimit(cachemock.NewCache(), 60)
	handler := auth.Authenticate(rl.Limit(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(cachemock.NewCache(), 2)
	handler := rl.Limit(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authed(""))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(""))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_CountsPerClientAddress(t *testing.T) {
	c := cachemock.NewCache()
	handler := mw.NewRateLimit(c, 60).Limit(okHandler())

	req := authed("")
	req.RemoteAddr = "10.0.0.7:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	n, err := c.IncrWithExpiry(req.Context(), cache.RateLimitKey("addr:10.0.0.7"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	c := cachemock.NewCache()
	c.Err = errors.New("redis down")
	handler := mw.NewRateLimit(c, 1).Limit(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authed(""))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	handler := mw.NewRateLimit(cachemock.NewCache(), 0).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(""))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, authed(""))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_PassesAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), authed(""))
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, authed(""))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PreservesStatus(t *testing.T) {
	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	mw.Logger(teapot).ServeHTTP(w, authed(""))

	assert.Equal(t, http.StatusTeapot, w.Code)
}
