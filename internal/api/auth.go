package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/banking/txmonitor/internal/config"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

const (
	actorContextKey = "actor"

	// HeaderActor names the reviewer when JWT authentication is disabled
	HeaderActor = "X-Actor"
)

// Claims are the reviewer token claims; the subject is the acting reviewer
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves the acting reviewer. With a JWT secret configured
// it requires an HS256 bearer token and takes the actor from its subject;
// without one it trusts the X-Actor header, for local setups.
func Authenticator(cfg config.SecurityConfig) echo.MiddlewareFunc {
	secret := []byte(cfg.JWTSecret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var actor string
			if len(secret) == 0 {
				actor = strings.TrimSpace(c.Request().Header.Get(HeaderActor))
			} else {
				sub, err := subject(parser, secret, c.Request().Header.Get(echo.HeaderAuthorization))
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
				}
				actor = sub
			}
			if actor == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "reviewer identity required")
			}

			c.Set(actorContextKey, actor)
			req := c.Request()
			c.SetRequest(req.WithContext(context.WithValue(req.Context(), logger.ActorKey, actor)))
			return next(c)
		}
	}
}

func subject(parser *jwt.Parser, secret []byte, header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}

	var claims Claims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return "", errors.New("invalid token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func actorOf(c echo.Context) string {
	actor, _ := c.Get(actorContextKey).(string)
	return actor
}
