package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/overtonx/relay/account"
	"github.com/overtonx/relay/ratelimit"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func accountStatus(err error) int {
	switch {
	case errors.Is(err, account.ErrInvalidInput), errors.Is(err, account.ErrEmailTaken):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrInvalidCredentials), errors.Is(err, account.ErrAccountDisabled):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := s.accounts.Register(r.Context(), account.RegisterInput(req))
	if err != nil {
		s.writeError(w, accountStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]userView{"user": newUserView(user)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := s.accounts.Authenticate(r.Context(), account.AuthenticateInput(req))
	var tooMany *ratelimit.TooManyAttemptsError
	switch {
	case errors.As(err, &tooMany):
		retryAfter := int64(tooMany.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      "Rate limit exceeded",
			"message":    "Too many login attempts. Please try again later.",
			"retryAfter": retryAfter,
		})
		return
	case err != nil:
		s.writeError(w, accountStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]userView{"user": newUserView(user)})
}
