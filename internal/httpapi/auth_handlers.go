package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context key for session data
type contextKey string

const sessionContextKey contextKey = "session"

// JWTClaims represents the claims in the session token
type JWTClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// hashToken creates a SHA256 hash of the token for storage
func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on a WebSocket handshake, so GET requests may pass ?token=.
func bearerToken(req *http.Request) (string, bool) {
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", false
		}
		return parts[1], true
	}
	if req.Method == http.MethodGet {
		if t := req.URL.Query().Get("token"); t != "" {
			return t, true
		}
	}
	return "", false
}

// withAuth is middleware that requires a valid session token
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tokenString, ok := bearerToken(req)
		if !ok {
			http.Error(w, `{"error": "missing or invalid authorization"}`, http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok || claims.SessionID == "" {
			http.Error(w, `{"error": "invalid token claims"}`, http.StatusUnauthorized)
			return
		}

		// Check if session is valid (not revoked)
		valid, err := r.store.IsSessionValid(req.Context(), hashToken(tokenString))
		if err != nil || !valid {
			http.Error(w, `{"error": "session expired or revoked"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(req.Context(), sessionContextKey, claims.SessionID)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// sessionID extracts the authenticated session from context
func sessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionContextKey).(string)
	return id
}

// generateJWT creates a new session token
func (r *Router) generateJWT(id string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(r.cfg.JWTExpiry)

	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		SessionID: id,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(r.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// handleCreateSession starts an anonymous listener session.
func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	if r.cfg.JWTSecret == "" {
		r.logger.Printf("httpapi: JWT_SECRET is not set, refusing to create sessions")
		writeError(w, http.StatusServiceUnavailable, "Falta configurar JWT_SECRET.")
		return
	}

	id := uuid.NewString()
	token, expiresAt, err := r.generateJWT(id)
	if err != nil {
		r.logger.Printf("httpapi: failed to sign token: %v", err)
		captureError(req, err, "sign session token")
		writeError(w, http.StatusInternalServerError, "No pudimos iniciar la sesión.")
		return
	}

	if err := r.store.CreateSession(req.Context(), id, hashToken(token), expiresAt); err != nil {
		r.logger.Printf("httpapi: failed to store session: %v", err)
		captureError(req, err, "create session")
		writeError(w, http.StatusInternalServerError, "No pudimos iniciar la sesión.")
		return
	}

	profile := r.sessions.Open(id)

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     token,
		"sessionId": id,
		"expiresAt": expiresAt,
		"voice":     voiceStatusOf(profile),
	})
}

// handleLogout revokes the current session
func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if token, ok := bearerToken(req); ok {
		_ = r.store.RevokeSession(req.Context(), hashToken(token))
	}
	r.sessions.Close(sessionID(req.Context()))

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
