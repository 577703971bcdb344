package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dirhaam/platforms-sub000/internal/auth"
)

// TenantResolver resolves the tenant from the token. System admins carry no
// tenant and may act on one through the X-Tenant-ID header.
func TenantResolver() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tenantID, _ := c.Get("tenant_id").(string); tenantID != "" {
				return next(c)
			}

			role, _ := c.Get("user_role").(string)
			header := c.Request().Header.Get("X-Tenant-ID")
			if header != "" {
				if role != auth.RoleSystemAdmin {
					Logger(c).Warn().Str("user_id", stringValue(c, "user_id")).Msg("Tenant header ignored for non-admin user")
				} else {
					c.Set("tenant_id", header)
				}
			}
			return next(c)
		}
	}
}

// RequireTenant middleware ensures a tenant is present
func RequireTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if TenantID(c) == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "Tenant ID is required")
			}
			return next(c)
		}
	}
}

// TenantID returns the tenant resolved for the request
func TenantID(c echo.Context) string {
	return stringValue(c, "tenant_id")
}

func stringValue(c echo.Context, key string) string {
	s, _ := c.Get(key).(string)
	return s
}
