package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// CallerKey is the gin context key holding the authenticated domain.Caller.
const CallerKey = "caller"

// UserHeader carries the user id when the gateway runs in header mode.
const UserHeader = "X-User-ID"

// UserLookup resolves an authenticated subject to its user record.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// TokenValidator is satisfied by *validator.Validator.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (any, error)
}

// NewJWTValidator builds an HS256 validator for tokens issued by issuer for
// audience.
func NewJWTValidator(secret, issuer, audience string) (*validator.Validator, error) {
	keyFunc := func(context.Context) (any, error) {
		return []byte(secret), nil
	}
	return validator.New(keyFunc, validator.HS256, issuer, []string{audience})
}

// JWTAuth authenticates requests by bearer token. The token subject is the
// user id.
func JWTAuth(v TokenValidator, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := jwtmiddleware.AuthHeaderTokenExtractor(c.Request)
		if err != nil || token == "" {
			abortUnauthenticated(c, "missing bearer token")
			return
		}

		claims, err := v.ValidateToken(c.Request.Context(), token)
		if err != nil {
			GetLogger(c).Debug("token rejected", slog.String("error", err.Error()))
			abortUnauthenticated(c, "invalid token")
			return
		}
		validated, ok := claims.(*validator.ValidatedClaims)
		if !ok {
			abortUnauthenticated(c, "invalid token")
			return
		}

		ctx := context.WithValue(c.Request.Context(), jwtmiddleware.ContextKey{}, validated)
		c.Request = c.Request.WithContext(ctx)
		resolveCaller(c, users, validated.RegisteredClaims.Subject)
	}
}

// HeaderAuth trusts the X-User-ID header. It is meant for deployments behind
// an authenticating proxy and for local development.
func HeaderAuth(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		resolveCaller(c, users, strings.TrimSpace(c.GetHeader(UserHeader)))
	}
}

func resolveCaller(c *gin.Context, users UserLookup, userID string) {
	if userID == "" {
		abortUnauthenticated(c, "missing credentials")
		return
	}

	user, err := users.GetUser(c.Request.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		abortUnauthenticated(c, "unknown user")
		return
	}
	if err != nil {
		GetLogger(c).Error("caller lookup failed", slog.String("error", err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
			"code":  "internal",
		})
		return
	}

	c.Set(CallerKey, domain.Caller{UserID: user.ID, Role: user.Role})
	c.Set(LoggerKey, GetLogger(c).With(slog.String("user_id", user.ID)))
	c.Next()
}

// GetCaller returns the caller stored by the auth middleware.
func GetCaller(c *gin.Context) (domain.Caller, bool) {
	v, ok := c.Get(CallerKey)
	if !ok {
		return domain.Caller{}, false
	}
	caller, ok := v.(domain.Caller)
	return caller, ok
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  "unauthenticated",
	})
}
