package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"routerguard/internal/config"
)

const tokenIssuer = "routerguard"

type contextKey string

const userKey contextKey = "user"

// publicPaths are served without a token even when auth is enabled
var publicPaths = map[string]bool{
	"/api/auth/login":    true,
	"/api/status/health": true,
	"/metrics":           true,
}

// AuthHandler issues and checks bearer tokens for the API's single operator account
type AuthHandler struct {
	cfg    config.Auth
	secret []byte
	now    func() time.Time
}

// NewAuthHandler creates an auth handler from the auth settings
func NewAuthHandler(cfg config.Auth) *AuthHandler {
	return &AuthHandler{
		cfg:    cfg,
		secret: []byte(cfg.JWTSecret),
		now:    time.Now,
	}
}

// RegisterRoutes registers the login route
func (h *AuthHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/auth/login", h.login).Methods("POST")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "login").Logger()

	if !h.cfg.Enabled {
		writeError(w, logger, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid request body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(req.Password))
	if !userOK || passErr != nil {
		logger.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("Failed login attempt")
		writeError(w, logger, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := h.now()
	expires := now.Add(time.Duration(h.cfg.SessionTimeout) * time.Second)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to sign token")
		writeError(w, logger, http.StatusInternalServerError, "could not issue token")
		return
	}

	logger.Info().Str("username", req.Username).Msg("User logged in")
	writeJSON(w, logger, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

// Middleware rejects requests without a valid bearer token. It is a no-op
// when auth is disabled.
func (h *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.Enabled || publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		logger := log.With().Str("middleware", "auth").Logger()

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, logger, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return h.secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(h.now),
		)
		if err != nil {
			logger.Debug().Err(err).Msg("Rejected token")
			writeError(w, logger, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
