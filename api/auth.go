package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// AUTHENTICATION - HS256 bearer tokens carrying the actor
// =============================================================================

// Token claims:
//
//	sub       actor id (salesperson or administrator)
//	is_admin  true for administrators
//	type      always "access"
type Auth struct {
	tokenAuth *jwtauth.JWTAuth
}

func NewAuth(secret string) *Auth {
	return &Auth{
		tokenAuth: jwtauth.New("HS256", []byte(secret), nil, jwt.WithAcceptableSkew(30*time.Second)),
	}
}

func (a *Auth) JWTAuth() *jwtauth.JWTAuth {
	return a.tokenAuth
}

// IssueToken signs an access token for actor, valid for ttl.
func (a *Auth) IssueToken(actor commission.Actor, ttl time.Duration) (string, error) {
	if actor.ID == "" {
		return "", fmt.Errorf("token needs an actor id")
	}
	claims := map[string]interface{}{
		"sub":      actor.ID,
		"is_admin": actor.IsAdmin,
		"type":     "access",
	}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, ttl)

	_, tokenString, err := a.tokenAuth.Encode(claims)
	return tokenString, err
}

type actorKey struct{}

// ActorFrom returns the actor attached by AuthRequired.
func ActorFrom(ctx context.Context) (commission.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(commission.Actor)
	return actor, ok
}

// AuthRequired rejects requests without a valid access token and attaches
// the commission.Actor to the request context. jwtauth.Verifier must run
// first.
func AuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeError(w, http.StatusUnauthorized, "Invalid or missing token", err)
			return
		}
		tokenType, ok := claims["type"].(string)
		if !ok || tokenType != "access" {
			writeError(w, http.StatusUnauthorized, "Invalid token type", nil)
			return
		}
		sub := token.Subject()
		if sub == "" {
			writeError(w, http.StatusUnauthorized, "Token has no subject", nil)
			return
		}
		isAdmin, _ := claims["is_admin"].(bool)

		ctx := context.WithValue(r.Context(), actorKey{}, commission.Actor{ID: sub, IsAdmin: isAdmin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects non-administrators with 403.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required", nil)
			return
		}
		if !actor.IsAdmin {
			writeError(w, http.StatusForbidden, "Administrator privilege required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
