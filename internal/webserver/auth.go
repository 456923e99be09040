package webserver

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

const RoleAdmin = "admin"

var ErrTenantForbidden = errors.New("token does not grant access to this tenant")

// Claims carry the tenant the authentication service verified.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Tenant returns the tenant claim, falling back to the subject.
func (c *Claims) Tenant() string {
	if c.TenantID != "" {
		return c.TenantID
	}
	return c.Subject
}

func jwtMiddleware(secret string, public map[string]bool) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		NewClaimsFunc: func(c echo.Context) jwt.Claims { return new(Claims) },
		Skipper: func(c echo.Context) bool {
			return public[c.Path()]
		},
	})
}

// ClaimsFromContext returns the verified claims, or false when token
// verification is disabled.
func ClaimsFromContext(c echo.Context) (*Claims, bool) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return nil, false
	}
	claims, ok := token.Claims.(*Claims)
	return claims, ok
}

// AuthorizeTenant checks that the caller may act for tenantID. Admins may act
// for anyone.
func AuthorizeTenant(c echo.Context, tenantID string) error {
	claims, ok := ClaimsFromContext(c)
	if !ok {
		return nil
	}
	if claims.Role == RoleAdmin || claims.Tenant() == tenantID {
		return nil
	}
	return ErrTenantForbidden
}

// RequireAdmin rejects callers without the admin role when tokens are verified.
func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := ClaimsFromContext(c)
		if ok && claims.Role != RoleAdmin {
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"success": false,
				"error":   "admin role required",
				"code":    "FORBIDDEN",
			})
		}
		return next(c)
	}
}
