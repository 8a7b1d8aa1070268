package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"carelink/pkg"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is how long an actor token stays valid.
const tokenTTL = 24 * time.Hour

var errBadToken = errors.New("invalid or expired token")

type actorClaims struct {
	Role pkg.Role `json:"role"`
	ID   int64    `json:"actor_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token naming the actor.
func IssueToken(secret []byte, a pkg.Actor, now time.Time) (string, error) {
	claims := actorClaims{
		Role: a.Role,
		ID:   a.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%s:%d", a.Role, a.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a token and returns the actor it names.
func ParseToken(secret []byte, raw string) (pkg.Actor, error) {
	var claims actorClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return pkg.Actor{}, errBadToken
	}
	if !claims.Role.Valid() || claims.ID <= 0 {
		return pkg.Actor{}, errBadToken
	}
	return pkg.Actor{Role: claims.Role, ID: claims.ID}, nil
}

type actorKey struct{}

func withActor(ctx context.Context, a pkg.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (pkg.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(pkg.Actor)
	return a, ok
}

// requireActor validates the bearer token and stores the actor in the
// request context.
func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}
		a, err := ParseToken(s.secret, parts[1])
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), a)))
	})
}
