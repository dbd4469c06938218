package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// AuthFailure identifies why authentication was refused. The code is logged
// and rate-limited but never sent verbatim to unauthenticated callers.
type AuthFailure string

const (
	FailureTokenMissing       AuthFailure = "token_missing"
	FailureTokenMissingConfig AuthFailure = "token_missing_config"
	FailureTokenMismatch      AuthFailure = "token_mismatch"

	FailurePasswordMissing       AuthFailure = "password_missing"
	FailurePasswordMissingConfig AuthFailure = "password_missing_config"
	FailurePasswordMismatch      AuthFailure = "password_mismatch"

	FailureProxyUntrusted    AuthFailure = "proxy_untrusted"
	FailureUserHeaderMissing AuthFailure = "user_header_missing"
	FailureHeaderMissing     AuthFailure = "required_header_missing"
	FailureUserNotAllowed    AuthFailure = "user_not_allowed"
)

// Tailscale identity headers injected by a tailscale serve proxy.
const (
	tailscaleUserHeader = "Tailscale-User-Login"
	tailscaleNameHeader = "Tailscale-User-Name"
)

// Authenticator checks operator credentials per the configured mode.
type Authenticator struct {
	cfg config.AuthConfig
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// bearerToken extracts the credential: Authorization Bearer wins, then the
// dedicated header, then the query parameter used by WebSocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	if h := r.Header.Get("X-Clawgate-Token"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}

// Identity is the authenticated principal.
type Identity struct {
	User     string
	DeviceID string
	Via      string // token | password | trusted-proxy | tailscale
}

// Authenticate validates the request. On failure the AuthFailure names the
// exact reason for logging and rate accounting.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, AuthFailure) {
	deviceID := r.Header.Get("X-Clawgate-Device")
	switch a.cfg.Mode {
	case "password":
		supplied := bearerToken(r)
		if a.cfg.Password == "" {
			return Identity{}, FailurePasswordMissingConfig
		}
		if supplied == "" {
			return Identity{}, FailurePasswordMissing
		}
		if !equalConstantTime(supplied, a.cfg.Password) {
			return Identity{}, FailurePasswordMismatch
		}
		return Identity{Via: "password", DeviceID: deviceID}, ""

	case "trusted-proxy":
		peer := peerIP(r)
		if !containsIP(a.cfg.TrustedProxies, peer) {
			return Identity{}, FailureProxyUntrusted
		}
		user := ""
		if a.cfg.UserHeader != "" {
			user = r.Header.Get(a.cfg.UserHeader)
			if user == "" {
				return Identity{}, FailureUserHeaderMissing
			}
		}
		for _, h := range a.cfg.RequiredHeaders {
			if r.Header.Get(h) == "" {
				return Identity{}, FailureHeaderMissing
			}
		}
		if len(a.cfg.AllowUsers) == 0 || containsFold(a.cfg.AllowUsers, user) {
			return Identity{User: user, DeviceID: deviceID, Via: "trusted-proxy"}, ""
		}
		return Identity{}, FailureUserNotAllowed

	default: // token
		// A signed tailscale identity satisfies token mode when present.
		if user := r.Header.Get(tailscaleUserHeader); user != "" && r.Header.Get(tailscaleNameHeader) != "" {
			return Identity{User: user, DeviceID: deviceID, Via: "tailscale"}, ""
		}
		supplied := bearerToken(r)
		if a.cfg.Token == "" {
			return Identity{}, FailureTokenMissingConfig
		}
		if supplied == "" {
			return Identity{}, FailureTokenMissing
		}
		if !equalConstantTime(supplied, a.cfg.Token) {
			return Identity{}, FailureTokenMismatch
		}
		return Identity{Via: "token", DeviceID: deviceID}, ""
	}
}

// peerIP is the immediate TCP peer, without port.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP is the effective client address. x-forwarded-for is honored only
// when the immediate peer is a trusted proxy; otherwise spoofed headers are
// ignored.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := peerIP(r)
	if !containsIP(trustedProxies, peer) {
		return peer
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peer
	}
	// First hop is the original client.
	first := strings.TrimSpace(strings.Split(fwd, ",")[0])
	if net.ParseIP(first) == nil {
		return peer
	}
	return first
}

func containsIP(list []string, ip string) bool {
	for _, e := range list {
		if e == ip {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}

// isLoopback reports whether addr is a loopback ip.
func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
