package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/internal/auth"
)

func newProtectedServer(t *testing.T) (*echo.Echo, *auth.Service) {
	t.Helper()
	service := auth.NewService("test-secret")

	e := echo.New()
	g := e.Group("", RequestID(), JWTAuth(service), TenantResolver(), RequireTenant())
	g.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, TenantID(c))
	})
	return e, service
}

func call(e *echo.Echo, token, tenantHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenantHeader != "" {
		req.Header.Set("X-Tenant-ID", tenantHeader)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTenantResolution(t *testing.T) {
	e, service := newProtectedServer(t)

	tenantToken, err := service.GenerateToken("u1", "t1", "", auth.RoleTenantAdmin)
	require.NoError(t, err)
	adminToken, err := service.GenerateToken("root", "", "", auth.RoleSystemAdmin)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		header string
		status int
		body   string
	}{
		{name: "missing token", status: http.StatusUnauthorized},
		{name: "bad token", token: "garbage", status: http.StatusUnauthorized},
		{name: "tenant from token", token: tenantToken, status: http.StatusOK, body: "t1"},
		{name: "header cannot override token", token: tenantToken, header: "t2", status: http.StatusOK, body: "t1"},
		{name: "admin with header", token: adminToken, header: "t9", status: http.StatusOK, body: "t9"},
		{name: "admin without header", token: adminToken, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(e, tt.token, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRequireRole(t *testing.T) {
	service := auth.NewService("test-secret")
	e := echo.New()
	e.GET("/admin", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, JWTAuth(service), TenantAdminOrAbove())

	userToken, err := service.GenerateToken("u1", "t1", "", auth.RoleTenantUser)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestIDScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = previous })

	e := echo.New()
	e.GET("/ping", func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("from context")
		c.Set("tenant_id", "t1")
		Logger(c).Info().Msg("from handler")
		return c.NoContent(http.StatusOK)
	}, RequestID())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-42")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(echo.HeaderXRequestID))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"request_id":"req-42"`)
	assert.Contains(t, lines[0], `"path":"/ping"`)
	assert.NotContains(t, lines[0], `"tenant_id"`)
	assert.Contains(t, lines[1], `"request_id":"req-42"`)
	assert.Contains(t, lines[1], `"tenant_id":"t1"`)
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	e := echo.New()
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get("request_id").(string))
	}, RequestID())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	generated := rec.Header().Get(echo.HeaderXRequestID)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, rec.Body.String())
}
