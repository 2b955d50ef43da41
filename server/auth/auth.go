// Package auth issues and checks the HS256 bearer tokens that guard the
// operator routes.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const RoleAdmin = "admin"

type ctxKey string

const (
	ctxSubject ctxKey = "sub"
	ctxRole    ctxKey = "role"
)

// Issue signs a token for sub. Admin tokens carry role=admin.
func Issue(secret []byte, sub string, admin bool, ttl time.Duration) (string, error) {
	role := "user"
	if admin {
		role = RoleAdmin
	}
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify parses a token and returns its subject and role.
func Verify(secret []byte, tokenStr string) (sub, role string, err error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid claims")
	}
	sub, _ = claims["sub"].(string)
	role, _ = claims["role"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	return sub, role, nil
}

// Middleware rejects requests without a valid bearer token. onErr writes
// the rejection so callers keep one error envelope.
func Middleware(secret []byte, onErr func(w http.ResponseWriter, code int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				onErr(w, http.StatusUnauthorized, "missing token")
				return
			}
			sub, role, err := Verify(secret, strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				onErr(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubject, sub)
			ctx = context.WithValue(ctx, ctxRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func AdminOnly(onErr func(w http.ResponseWriter, code int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role, _ := r.Context().Value(ctxRole).(string); role != RoleAdmin {
				onErr(w, http.StatusForbidden, "admin only")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxSubject).(string)
	return s
}

// SubjectID parses the subject as a wallet/owner id.
func SubjectID(ctx context.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(Subject(ctx))
	return id, err == nil
}

func IsAdmin(ctx context.Context) bool {
	r, _ := ctx.Value(ctxRole).(string)
	return r == RoleAdmin
}
