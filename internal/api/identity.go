package api

import (
	"errors"
	"fmt"
	"medtrace/pkg/domain"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const actorKey = "actor"

// Claims is the token payload issued by the identity service. The core
// trusts it and only enforces the role's capabilities.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 identity tokens.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer returns an issuer for key. A zero ttl means one hour.
func NewTokenIssuer(key string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: []byte(key), ttl: ttl, now: time.Now}
}

// Issue mints a token for actor.
func (t *TokenIssuer) Issue(actor domain.Actor) (string, error) {
	if len(t.key) == 0 {
		return "", errors.New("identity signing key not configured")
	}
	now := t.now()
	claims := Claims{
		Username: actor.Username,
		Role:     string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify parses token and returns the actor it names.
func (t *TokenIssuer) Verify(token string) (domain.Actor, error) {
	if len(t.key) == 0 {
		return domain.Actor{}, errors.New("identity signing key not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return domain.Actor{}, err
	}
	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return domain.Actor{}, errors.New("token names no user")
	}
	role, ok := domain.ParseRole(claims.Role)
	if !ok {
		return domain.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return domain.Actor{Username: username, Role: role}, nil
}

// identityMiddleware authenticates the bearer token and stores the actor.
func identityMiddleware(issuer *TokenIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := loggerFrom(c)
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				log.Warn("missing authorization header")
				return errorJSON(c, http.StatusUnauthorized, "unauthenticated", "missing authorization header")
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				log.Warn("invalid authorization header format")
				return errorJSON(c, http.StatusUnauthorized, "unauthenticated", "invalid authorization header format")
			}
			actor, err := issuer.Verify(token)
			if err != nil {
				log.Warn("invalid or expired token", zap.Error(err))
				return errorJSON(c, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			}
			c.Set(actorKey, actor)
			c.Set(loggerKey, log.With(zap.String("user", actor.Username), zap.String("role", string(actor.Role))))
			return next(c)
		}
	}
}

func actorFrom(c echo.Context) domain.Actor {
	actor, _ := c.Get(actorKey).(domain.Actor)
	return actor
}
