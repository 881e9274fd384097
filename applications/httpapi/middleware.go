package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hearthctl/hub/infrastructure/logging"
)

type ctxKey int

const (
	ctxUserKey ctxKey = iota
	ctxRoleKey
)

// requireBearerToken enforces `Authorization: Bearer <token>` when token is
// non-empty, per §6 ("Unauthorized ⇒ status 401"). An empty token means the
// hub is running in open mode and every request is accepted.
func requireBearerToken(token string, next http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// hubClaims is the JWT payload accepted by requireJWT: a subject plus an
// optional role, readable downstream via httputil.GetUserRole/RequireAdminRole.
type hubClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// requireJWT is the HS256 counterpart to requireBearerToken, used when the
// hub config sets auth.jwt_secret_env_var instead of auth.token_env_var.
// On success it stores the subject/role on the request context so
// httputil.GetUserID/GetUserRole (and RequireAdminRole) see them without
// re-parsing the token.
func requireJWT(secret []byte, next http.HandlerFunc) http.HandlerFunc {
	if len(secret) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims := &hubClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := withContextValues(r.Context(), claims.Subject, claims.Role)
		next(w, r.WithContext(ctx))
	}
}

func withContextValues(ctx context.Context, user, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserKey, user)
	ctx = context.WithValue(ctx, ctxRoleKey, role)
	ctx = logging.WithUserID(ctx, user)
	return logging.WithRole(ctx, role)
}

// withMethod wraps a handler, enforcing the HTTP method and emitting 405 otherwise.
// Use this to reduce repetition in handler registration.
func withMethod(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			methodNotAllowed(w, method)
			return
		}
		fn(w, r)
	}
}

// methodNotAllowed standardizes 405 responses and sets the Allow header when
// callers supply the set of permitted methods.
func methodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
}
