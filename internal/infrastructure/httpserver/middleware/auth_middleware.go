package middleware

import (
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/infrastructure/httpserver/helpers"
)

// JWTMiddleware verifies bearer tokens issued by the platform auth service.
// This plane holds no session state; it only checks the HS256 signature and
// extracts the subject and role claims.
type JWTMiddleware struct {
	secret []byte
	logger *logrus.Logger
}

func NewJWTMiddleware(jwtSecret string, logger *logrus.Logger) *JWTMiddleware {
	return &JWTMiddleware{secret: []byte(jwtSecret), logger: logger}
}

type tokenClaims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// RequireJWT creates middleware that validates the bearer token and sets user
// context.
func (m *JWTMiddleware) RequireJWT() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := helpers.GetJWTTokenFromContext(c)
			if err != nil {
				return err
			}

			claims := &tokenClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return m.secret, nil
			})
			if err != nil || !token.Valid {
				if m.logger != nil {
					m.logger.WithFields(logrus.Fields{"ip": c.RealIP(), "path": c.Request().URL.Path}).Warn("JWT validation failed")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
			}

			helpers.SetUserID(c, userID)
			helpers.SetUserRole(c, claims.Role)
			helpers.SetUserEmail(c, claims.Email)

			return next(c)
		}
	}
}

// RequireAdmin gates a route on the admin role claim. Must run after
// RequireJWT.
func (m *JWTMiddleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, err := helpers.GetUserRoleFromContext(c)
			if err != nil {
				return err
			}
			if role != "admin" {
				return echo.NewHTTPError(http.StatusForbidden, "admin role required")
			}
			return next(c)
		}
	}
}
