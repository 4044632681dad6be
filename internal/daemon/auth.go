package daemon

import (
	"net/http"
	"strings"

	"empi/internal/identity"
)

// requireCaller authenticates the bearer token and attaches the resulting
// caller to the request context.
func (s *apiServer) requireCaller(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		caller, err := s.auth.Authenticate(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
	}
}
