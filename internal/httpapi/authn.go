package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"bankist.org/internal/auth"
	"bankist.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	// EventSource cannot set headers, so the SSE endpoint also accepts the
	// token as a query parameter.
	tokenQueryParam = "access_token"
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.issuer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublic(r) {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get(authHeader)
		if raw == "" && r.URL.Path == "/v1/events" {
			if q := r.URL.Query().Get(tokenQueryParam); q != "" {
				raw = bearer + q
			}
		}
		token, err := extractBearerToken(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bankist"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.issuer.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bankist", error="invalid_token"`)
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = session.ContextWithID(ctx, claims.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// isPublic reports whether the request may skip authentication. Logging in is
// the only public session operation.
func isPublic(r *http.Request) bool {
	if r.URL.Path == "/v1/session" && r.Method == http.MethodPost {
		return true
	}
	for _, p := range publicPaths {
		if r.URL.Path == p {
			return true
		}
	}
	return !strings.HasPrefix(r.URL.Path, "/v1/")
}
