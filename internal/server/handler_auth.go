package server

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/nbworkflows/labflow/pkg/model"
)

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin exchanges credentials for a token pair.
// POST /v1/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	user, err := s.store.GetUser(r.Context(), req.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, model.NewAuthError("invalid credentials"))
		return
	}

	access, err := s.tokens.Encode(user.Username, user.Scopes)
	if err != nil {
		respondError(w, err)
		return
	}
	refresh, err := s.refresh.Store(r.Context(), user.Username)
	if err != nil {
		respondError(w, model.NewTransientError("refresh token store unavailable"))
		return
	}
	s.logger.Info("login", "user", user.Username)
	respondJSON(w, http.StatusOK, model.TokenPair{AccessToken: access, RefreshToken: refresh})
}

// handleRefreshToken rotates a token pair. The bearer header carries the
// (possibly expired) old access token.
// POST /v1/auth/refresh_token
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	old := bearerToken(r)
	if old == "" {
		respondError(w, model.NewAuthError("missing bearer token"))
		return
	}
	claims, err := s.tokens.DecodeExpired(old)
	if err != nil {
		respondError(w, err)
		return
	}
	ok, err := s.refresh.Validate(r.Context(), claims.Username, req.RefreshToken)
	if err != nil {
		respondError(w, model.NewTransientError("refresh token store unavailable"))
		return
	}
	if !ok {
		respondError(w, model.NewAuthError("invalid refresh token"))
		return
	}

	access, err := s.tokens.Encode(claims.Username, claims.Scopes)
	if err != nil {
		respondError(w, err)
		return
	}
	refresh, err := s.refresh.Rotate(r.Context(), claims.Username, req.RefreshToken)
	if err != nil {
		respondError(w, model.NewTransientError("refresh token store unavailable"))
		return
	}
	respondJSON(w, http.StatusOK, model.TokenPair{AccessToken: access, RefreshToken: refresh})
}
