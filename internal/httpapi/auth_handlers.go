package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"camsignal/internal/auth"
	"camsignal/internal/domain"
	"camsignal/internal/store"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username, email and a password of at least 8 characters are required")
		return
	}

	if _, err := s.users.GetByUsername(r.Context(), req.Username); err == nil {
		writeError(w, http.StatusConflict, "username already registered")
		return
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		s.log.Error("username lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := s.users.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		s.log.Error("email lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error("password hash failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	usr := &domain.User{
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hashed,
		IsActive:       true,
	}
	if err := s.users.Create(r.Context(), usr); err != nil {
		s.log.Error("user create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("user registered", "user_id", usr.ID, "username", usr.Username)

	token, err := s.tokens.Issue(usr.ID, usr.Username)
	if err != nil {
		s.log.Error("token issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      usr.ID,
		Username:    usr.Username,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	usr, err := s.users.GetByUsername(r.Context(), strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrRecordNotFound) {
		// Burn a hash comparison anyway so missing and wrong-password logins
		// take the same time.
		auth.CheckPassword(req.Password, "$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinval")
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}
	if err != nil {
		s.log.Error("user lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !usr.IsActive || !auth.CheckPassword(req.Password, usr.HashedPassword) {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	if err := s.users.TouchLastLogin(r.Context(), usr.ID); err != nil {
		s.log.Warn("last login update failed", "user_id", usr.ID, "err", err)
	}
	token, err := s.tokens.Issue(usr.ID, usr.Username)
	if err != nil {
		s.log.Error("token issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      usr.ID,
		Username:    usr.Username,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	usr, err := s.users.GetByID(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  usr.ID,
		"username": usr.Username,
		"email":    usr.Email,
	})
}
