package core

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"taproom/internal/types"
)

// authPublicPaths lists URL paths exempt from admin authentication.
var authPublicPaths = map[string]bool{
	"/health": true,
}

// AdminKeyMiddleware guards the admin surface with a single operator key.
// The plaintext key is presented as a bearer token and compared against the
// configured bcrypt hash; the plaintext is never stored anywhere.
//
// When no hash is configured (tests that build a bare Server), the
// middleware passes through.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.Config.Security.AdminAPIKeyHash.Unmask()
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		if authPublicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthKeyMissing, "Authorization header is required")
			return
		}

		key := extractBearerToken(authHeader)
		if key == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthKeyMissing, "Bearer key is required")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			s.Logger.Warn("admin authentication failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthKeyInvalid, "Invalid admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken parses "Bearer <token>" (scheme case-insensitive per
// RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// writeAuthError writes a 401 JSON response with the given error code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
