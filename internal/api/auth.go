package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/notesync/internal/auth"
	"github.com/kalambet/notesync/internal/storage"
)

type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated user set by BearerAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// SessionStore resolves bearer tokens.
type SessionStore interface {
	GetSession(tokenHash string) (storage.Session, error)
}

// BearerAuth resolves the bearer token to a live session and stores its user
// id in the request context.
func BearerAuth(sessions SessionStore, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			sess, err := sessions.GetSession(auth.HashToken(token))
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to look up session: %v", err)
				return
			}
			if !now().Before(sess.ExpiresAt) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "session expired")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, sess.UserID)))
		})
	}
}

// OwnerScope rejects requests for an owner other than the caller.
func OwnerScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "ownerID") != UserID(r.Context()) {
			httpError(w, http.StatusForbidden, "permission_error", "notes of another owner are not accessible")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
	Token   string `json:"token"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return credentials{}, false
	}
	c.Email = auth.NormalizeEmail(c.Email)
	if c.Email == "" || !strings.Contains(c.Email, "@") {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "a valid email is required")
		return credentials{}, false
	}
	if c.Password == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "password is required")
		return credentials{}, false
	}
	return c, true
}

func handleSignUp(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := decodeCredentials(w, r)
		if !ok {
			return
		}
		hash, err := auth.HashPassword(c.Password)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		user := storage.User{
			ID:           uuid.New().String(),
			Email:        c.Email,
			PasswordHash: hash,
			CreatedAt:    deps.Now().UTC(),
		}
		err = deps.Store.CreateUser(user)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict_error", "an account with this email already exists")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create account: %v", err)
			return
		}

		deps.Logger.Info("account created", "user_id", user.ID)
		issueSession(w, deps, user, http.StatusCreated)
	}
}

func handleSignIn(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := decodeCredentials(w, r)
		if !ok {
			return
		}
		user, err := deps.Store.GetUserByEmail(c.Email)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "%v", auth.ErrInvalidCredentials)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to look up account: %v", err)
			return
		}
		if err := auth.CheckPassword(user.PasswordHash, c.Password); err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		issueSession(w, deps, user, http.StatusOK)
	}
}

func issueSession(w http.ResponseWriter, deps ServerDeps, user storage.User, code int) {
	token, err := auth.NewToken()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	now := deps.Now().UTC()
	sess := storage.Session{
		TokenHash: auth.HashToken(token),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(deps.SessionTTL),
	}
	if err := deps.Store.CreateSession(sess); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
		return
	}
	writeJSON(w, code, authResponse{OwnerID: user.ID, Email: user.Email, Token: token})
}

func handleSignOut(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearerToken(r)
		if err := deps.Store.DeleteSession(auth.HashToken(token)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to sign out: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
