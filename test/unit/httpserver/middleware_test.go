package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/meterline/usage-plane/internal/application/services"
	"github.com/meterline/usage-plane/internal/infrastructure/httpserver/helpers"
	"github.com/meterline/usage-plane/internal/infrastructure/httpserver/middleware"
	"github.com/meterline/usage-plane/internal/infrastructure/memstore"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestJWTMiddleware_MissingTokenReturns401(t *testing.T) {
	e := echo.New()
	m := middleware.NewJWTMiddleware(testSecret, logrus.New())
	handler := m.RequireJWT()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)
	require.Error(t, err)
	htErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, htErr.Code)
}

func TestJWTMiddleware_InvalidSignatureReturns401(t *testing.T) {
	e := echo.New()
	m := middleware.NewJWTMiddleware(testSecret, logrus.New())
	handler := m.RequireJWT()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	claims := jwt.MapClaims{"sub": uuid.NewString(), "exp": time.Now().Add(time.Hour).Unix()}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err = handler(c)
	require.Error(t, err)
	htErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, htErr.Code)
}

func TestJWTMiddleware_ValidTokenSetsUserContext(t *testing.T) {
	e := echo.New()
	userID := uuid.New()
	m := middleware.NewJWTMiddleware(testSecret, logrus.New())
	handler := m.RequireJWT()(func(c echo.Context) error {
		id, err := helpers.GetUserIDFromContext(c)
		require.NoError(t, err)
		require.Equal(t, userID, id)
		role, err := helpers.GetUserRoleFromContext(c)
		require.NoError(t, err)
		require.Equal(t, "member", role)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, userID.String(), "member"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, handler(c))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTMiddleware_NonUUIDSubjectReturns401(t *testing.T) {
	e := echo.New()
	m := middleware.NewJWTMiddleware(testSecret, logrus.New())
	handler := m.RequireJWT()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "user-42", "member"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)
	require.Error(t, err)
	htErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, htErr.Code)
}

func TestRequireAdmin(t *testing.T) {
	e := echo.New()
	m := middleware.NewJWTMiddleware(testSecret, logrus.New())
	handler := m.RequireAdmin()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	helpers.SetUserRole(c, "member")
	err := handler(c)
	require.Error(t, err)
	htErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, htErr.Code)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	helpers.SetUserRole(c, "admin")
	require.NoError(t, handler(c))
}

func newTestLimiter(t *testing.T, window time.Duration, max int, now func() time.Time) (*services.RateLimiterService, func()) {
	t.Helper()
	store := memstore.NewWindowCounterStore(&memstore.WindowCounterStoreConfig{
		Window:        window,
		SweepInterval: time.Hour,
		Now:           now,
	}, nil)
	limiter := services.NewRateLimiterService(store, &services.RateLimiterConfig{
		Name:        "api",
		Window:      window,
		MaxRequests: max,
		Now:         now,
	}, nil)
	return limiter, func() { store.Close() }
}

func TestRateLimitMiddleware_SetsHeadersAndAllows(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, time.Minute, 5, time.Now)
	defer cleanup()

	e := echo.New()
	m := middleware.NewRateLimitMiddleware(limiter, nil, logrus.New())
	handler := m.Handler()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, handler(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitMiddleware_DeniesWith429(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, time.Minute, 2, time.Now)
	defer cleanup()

	e := echo.New()
	m := middleware.NewRateLimitMiddleware(limiter, nil, logrus.New())
	handler := m.Handler()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec = httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
	}

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Too many requests", body["error"])
	require.GreaterOrEqual(t, body["retryAfter"].(float64), float64(1))
}

func TestRateLimitMiddleware_KeyPrefersForwardedFor(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, time.Minute, 1, time.Now)
	defer cleanup()

	e := echo.New()
	m := middleware.NewRateLimitMiddleware(limiter, nil, logrus.New())
	handler := m.Handler()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	// Two different forwarded clients behind the same proxy address must not
	// share a bucket.
	for _, client := range []string{"203.0.113.7", "203.0.113.8"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		req.Header.Set("X-Forwarded-For", client+", 10.0.0.1")
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitMiddleware_NoAddressSharesAnonymousBucket(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, time.Minute, 1, time.Now)
	defer cleanup()

	e := echo.New()
	m := middleware.NewRateLimitMiddleware(limiter, nil, logrus.New())
	handler := m.Handler()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ""
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitMiddleware_WindowResetsAfterElapse(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return current }
	limiter, cleanup := newTestLimiter(t, time.Minute, 2, now)
	defer cleanup()

	e := echo.New()
	m := middleware.NewRateLimitMiddleware(limiter, nil, logrus.New())
	handler := m.Handler()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		return rec.Code
	}

	require.Equal(t, http.StatusOK, do())
	require.Equal(t, http.StatusOK, do())
	require.Equal(t, http.StatusTooManyRequests, do())

	// Still inside the window.
	current = current.Add(30 * time.Second)
	require.Equal(t, http.StatusTooManyRequests, do())

	// Window elapsed; a fresh counter starts.
	current = current.Add(31 * time.Second)
	require.Equal(t, http.StatusOK, do())
}
