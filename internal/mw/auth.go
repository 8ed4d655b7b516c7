package mw

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/model"
	"winedispense-backend/internal/policy"
	"winedispense-backend/internal/token"
)

const userKey = "mw.user"

// SessionVerifier validates session tokens.
type SessionVerifier interface {
	VerifySession(tokenString string) (*token.SessionClaims, error)
}

// UserLoader fetches the account behind a session.
type UserLoader interface {
	GetUser(ctx context.Context, id int64) (model.User, error)
}

// Authenticate resolves the session token from the Authorization header or the
// session cookie and stores the user in the gin context.
func Authenticate(verifier SessionVerifier, users UserLoader, log *logger.Logger, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw, _ = c.Cookie(cookieName)
		}
		if raw == "" {
			abort(c, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
			return
		}

		claims, err := verifier.VerifySession(raw)
		if err != nil {
			abort(c, apperr.New(apperr.CodeUnauthorized, "invalid or expired session"))
			return
		}

		user, err := users.GetUser(c.Request.Context(), claims.UserID)
		if apperr.Is(err, apperr.CodeNotFound) {
			abort(c, apperr.New(apperr.CodeUnauthorized, "account no longer exists"))
			return
		}
		if err != nil {
			log.Error(c.Request.Context(), "failed to load session user", err)
			abort(c, apperr.New(apperr.CodeInternal, "internal server error"))
			return
		}
		if user.Blocked() {
			abort(c, apperr.New(apperr.CodeForbidden, "account is blocked"))
			return
		}

		c.Set(userKey, user)
		c.Request = c.Request.WithContext(log.WithActor(c.Request.Context(), "user", user.ID))
		c.Next()
	}
}

// CurrentUser returns the user stored by Authenticate.
func CurrentUser(c *gin.Context) (model.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return model.User{}, false
	}
	u, ok := v.(model.User)
	return u, ok
}

// Require lets the request through only when the current user may perform action.
func Require(action policy.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			abort(c, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
			return
		}
		if !policy.Allowed(policy.ActorFromUser(user), action, nil) {
			abort(c, apperr.New(apperr.CodeForbidden, "insufficient permissions"))
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func abort(c *gin.Context, err *apperr.Error) {
	meta := apperr.MetadataFor(err.Code())
	status := meta.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": err.Message(), "code": err.Code()})
}
