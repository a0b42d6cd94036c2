package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/pipeline"
	"github.com/pliu/chatty/internal/store"
)

type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type SignupRequest struct {
	Username  string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Fullname  string `json:"fullname" validate:"max=128"`
	Email     string `json:"email" validate:"omitempty,email"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,max=1024"`
}

type AuthHandler struct {
	Store        store.Store
	Signer       *auth.Signer
	Pipeline     *pipeline.Pipeline
	CookieName   string
	SecureCookie bool
	Logger       *slog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.Pipeline, h.Logger, pipeline.OpSignup, 0, http.StatusCreated,
		func(ctx context.Context, _ *pipeline.Call) (any, error) {
			var req SignupRequest
			if err := decode(r, &req); err != nil {
				return nil, err
			}

			hashed, err := auth.HashPassword(req.Password)
			if err != nil {
				return nil, apperr.Internal(err)
			}
			user := &models.User{
				Username:  req.Username,
				Fullname:  req.Fullname,
				Email:     strings.ToLower(req.Email),
				AvatarURL: req.AvatarURL,
				Password:  hashed,
			}
			if err := h.Store.CreateUser(ctx, user); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return nil, apperr.BadRequest("username or email already taken")
				}
				return nil, apperr.Upstream("could not create user", err)
			}

			h.setSession(w, user.ID)
			return user, nil
		})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.Pipeline, h.Logger, pipeline.OpLogin, 0, http.StatusOK,
		func(ctx context.Context, _ *pipeline.Call) (any, error) {
			var creds Credentials
			if err := decode(r, &creds); err != nil {
				return nil, err
			}

			user, err := h.Store.GetUserByUsername(ctx, creds.Username)
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperr.Unauthorized("invalid credentials")
			}
			if err != nil {
				return nil, apperr.Upstream("could not load user", err)
			}
			if !auth.CheckPassword(user.Password, creds.Password) {
				return nil, apperr.Unauthorized("invalid credentials")
			}

			h.setSession(w, user.ID)
			return user, nil
		})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.Pipeline, h.Logger, pipeline.OpLogout, 0, http.StatusNoContent,
		func(context.Context, *pipeline.Call) (any, error) {
			http.SetCookie(w, &http.Cookie{
				Name:     h.CookieName,
				Value:    "",
				Path:     "/",
				MaxAge:   -1,
				HttpOnly: true,
				Secure:   h.SecureCookie,
				SameSite: http.SameSiteLaxMode,
			})
			return nil, nil
		})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.Pipeline, h.Logger, pipeline.OpMe, 0, http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			user, err := h.Store.GetUserByID(ctx, call.Caller.UserID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperr.Unauthorized("session user no longer exists")
			}
			if err != nil {
				return nil, apperr.Upstream("could not load user", err)
			}
			return user, nil
		})
}

func (h *AuthHandler) setSession(w http.ResponseWriter, userID int) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.CookieName,
		Value:    h.Signer.Sign(userID),
		Path:     "/",
		Expires:  time.Now().Add(h.Signer.TTL()),
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
