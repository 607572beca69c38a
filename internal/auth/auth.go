package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// TokenLength is the length of generated tokens in bytes
	TokenLength = 32
	// TokenExpiry is how long tokens remain valid
	TokenExpiry = 24 * time.Hour
	// CookieName is the name of the auth cookie
	CookieName = "anchor_auth_token"
)

// Auth guards the status API with a single shared password
type Auth struct {
	password string
	tokens   map[string]time.Time // token -> expiry time
	mu       sync.RWMutex
	now      func() time.Time
}

// New creates an Auth instance; expired tokens are swept until ctx is done
func New(ctx context.Context, password string) *Auth {
	a := &Auth{
		password: password,
		tokens:   make(map[string]time.Time),
		now:      time.Now,
	}
	if a.IsEnabled() {
		go a.cleanupExpiredTokens(ctx, time.Hour)
	}
	return a
}

// IsEnabled returns true if authentication is enabled (password is set)
func (a *Auth) IsEnabled() bool {
	return a.password != ""
}

// ValidatePassword checks if the provided password matches
func (a *Auth) ValidatePassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(password)) == 1
}

// GenerateToken creates a new authentication token
func (a *Auth) GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(b)

	a.mu.Lock()
	a.tokens[token] = a.now().Add(TokenExpiry)
	a.mu.Unlock()

	return token, nil
}

// ValidateToken checks if a token is valid and not expired
func (a *Auth) ValidateToken(token string) bool {
	a.mu.RLock()
	expiry, exists := a.tokens[token]
	a.mu.RUnlock()

	return exists && a.now().Before(expiry)
}

// InvalidateToken removes a token (for logout)
func (a *Auth) InvalidateToken(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

func (a *Auth) cleanupExpiredTokens(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Auth) sweep() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for token, expiry := range a.tokens {
		if now.After(expiry) {
			delete(a.tokens, token)
		}
	}
}

// Middleware returns an HTTP middleware that requires authentication
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsEnabled() || a.ValidateToken(a.GetTokenFromRequest(r)) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
	})
}

// GetTokenFromRequest extracts the auth token from a request (cookie or header)
func (a *Auth) GetTokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}

	// "Bearer <token>" for API clients
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}

	return ""
}

// LoginHandler exchanges {"password": "..."} for a token, set as cookie and returned in the body
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !a.IsEnabled() {
		writeJSON(w, http.StatusOK, map[string]any{"authEnabled": false})
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !a.ValidatePassword(req.Password) {
		writeJSONError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	token, err := a.GenerateToken()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
		Expires:  a.now().Add(TokenExpiry),
	})
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "authEnabled": true})
}

// LogoutHandler invalidates the caller's token and clears the cookie
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.GetTokenFromRequest(r); token != "" {
		a.InvalidateToken(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
