package api

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig holds the single panel credential.
type AuthConfig struct {
	User         string
	PasswordHash string // bcrypt
	Realm        string
	// AutoWhitelist adds the address of every authenticated client to the
	// whitelist.
	AutoWhitelist bool
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// HashPassword returns the bcrypt hash stored in auth.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (a AuthConfig) check(user, password string) bool {
	if a.PasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}

// requireAuth enforces HTTP basic auth. A successful login whitelists the
// client address when enabled, so the operator keeps access once the
// firewall is narrowed. Clients that keep failing are locked out for a
// while.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.auth.TrustProxy)
		if wait := s.limiter.RetryAfter(ip); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			WriteError(w, http.StatusTooManyRequests, "too many failed logins")
			return
		}

		user, password, ok := r.BasicAuth()
		if !ok || !s.auth.check(user, password) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.auth.Realm))
			if ok {
				locked := s.limiter.Fail(ip)
				s.logger.Warn("authentication failed", "user", user, "client", ip, "locked_out", locked)
			}
			WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		s.limiter.Reset(ip)

		if s.auth.AutoWhitelist {
			added, err := s.panel.EnsureWhitelisted(r.Context(), ip)
			switch {
			case err != nil:
				s.logger.Warn("failed to whitelist client", "client", ip, "error", err)
			case added:
				s.logger.Info("whitelisted authenticated client", "client", ip, "user", user)
			}
		}
		next(w, r)
	}
}
