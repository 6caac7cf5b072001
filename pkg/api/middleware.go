package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/thetenthbox/gpuq/pkg/auth"
)

// authenticate validates the Bearer token on the request and returns
// the bound identity. On failure it writes the response itself and
// returns false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusUnauthorized, "Authorization header required")
		return auth.Identity{}, false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "Invalid authorization header format")
		return auth.Identity{}, false
	}

	id, err := s.auth.Validate(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		} else {
			s.logger.Error().Err(err).Msg("Token validation failed")
			writeError(w, http.StatusInternalServerError, "Internal error")
		}
		return auth.Identity{}, false
	}
	return id, true
}

// readLimited applies the per-address read limiter. On denial it
// writes the 429 itself and returns false.
func (s *Server) readLimited(w http.ResponseWriter, r *http.Request) bool {
	if decision := s.addrReadLimit.Check(remoteAddr(r)); !decision.Allowed {
		writeError(w, http.StatusTooManyRequests, decision.Message)
		return false
	}
	return true
}
