package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantly.dev/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearerScheme = "Bearer"
)

// withSession resolves the bearer token against the directory and attaches
// the user id and token to the request context.
func (s *IdentityServer) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		user, err := s.dir.Resolve(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrNotFound):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		ctx := auth.ContextWithUser(r.Context(), user.ID)
		ctx = auth.ContextWithToken(ctx, token)
		next(w, r.WithContext(ctx))
	}
}

var (
	errNoBearer  = errors.New("missing bearer token")
	errBadScheme = errors.New("invalid authorization scheme")
)

// extractBearerToken reads "Bearer <token>"; the scheme is case-insensitive.
func extractBearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	switch {
	case scheme == "":
		return "", errNoBearer
	case !strings.EqualFold(scheme, bearerScheme):
		return "", errBadScheme
	}
	if token = strings.TrimSpace(token); !found || token == "" {
		return "", errNoBearer
	}
	return token, nil
}
