package gateway

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/talon-ai/talon/internal/config"
)

// Auth modes for the control plane.
const (
	AuthNone     = "none"
	AuthToken    = "token"
	AuthPassword = "password"
)

// TokenHeader is the alternative to Authorization: Bearer.
const TokenHeader = "X-Talon-Token"

// ValidateAuth rejects unusable auth configurations at startup. Mode none is
// only safe on a loopback bind; exposing an unauthenticated control plane is
// a fatal misconfiguration, not a warning.
func ValidateAuth(cfg config.GatewayConfig) error {
	switch cfg.Auth.Mode {
	case "", AuthNone:
		if !isLoopbackHost(cfg.Host) {
			return fmt.Errorf("auth mode none requires a loopback bind, got host %q", cfg.Host)
		}
	case AuthToken:
		if cfg.Auth.Token == "" {
			return fmt.Errorf("auth mode token requires gateway.auth.token")
		}
	case AuthPassword:
		if cfg.Auth.Password == "" {
			return fmt.Errorf("auth mode password requires gateway.auth.password")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
	return nil
}

// authMiddleware guards every control-plane route. /metrics and /api/health
// are mounted outside it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch s.cfg.Auth.Mode {
		case "", AuthNone:
			if !isLoopbackAddr(r.RemoteAddr) {
				http.Error(w, "forbidden: loopback only", http.StatusForbidden)
				return
			}
		case AuthToken:
			if !credentialMatches(r, s.cfg.Auth.Token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		case AuthPassword:
			if !credentialMatches(r, s.cfg.Auth.Password) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// credentialMatches compares the presented credential in constant time.
func credentialMatches(r *http.Request, want string) bool {
	got := r.Header.Get(TokenHeader)
	if got == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func isLoopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
