package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dirhaam/platforms-sub000/internal/auth"
)

// TokenValidator parses bearer tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.TokenClaims, error)
}

// JWTAuth middleware validates JWT tokens
func JWTAuth(validator TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
			if tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing token")
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			c.Set("claims", claims)
			c.Set("user_id", claims.UserID)
			c.Set("user_email", claims.Email)
			c.Set("user_role", claims.Role)
			if claims.TenantID != "" {
				c.Set("tenant_id", claims.TenantID)
			}

			return next(c)
		}
	}
}

// RequireRole middleware ensures user has required role
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roleStr, _ := c.Get("user_role").(string)
			if roleStr == "" {
				return echo.NewHTTPError(http.StatusForbidden, "User role not found")
			}

			for _, role := range roles {
				if roleStr == role {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
		}
	}
}

// SystemAdminOnly middleware ensures only system admins can access
func SystemAdminOnly() echo.MiddlewareFunc {
	return RequireRole(auth.RoleSystemAdmin)
}

// TenantAdminOrAbove middleware allows tenant_admin and system_admin
func TenantAdminOrAbove() echo.MiddlewareFunc {
	return RequireRole(auth.RoleSystemAdmin, auth.RoleTenantAdmin)
}

// TenantUserOrAbove middleware allows tenant_user, tenant_admin and system_admin
func TenantUserOrAbove() echo.MiddlewareFunc {
	return RequireRole(auth.RoleSystemAdmin, auth.RoleTenantAdmin, auth.RoleTenantUser)
}
