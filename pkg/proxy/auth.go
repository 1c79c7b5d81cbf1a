package proxy

import (
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/pkg/cache"
	"github.com/modelrelay/modelrelay/pkg/config"
)

var lookupIP = net.LookupIP

var nowUTC = func() time.Time { return time.Now().UTC() }

func bearerToken(h http.Header) string {
	scheme, rest, ok := strings.Cut(h.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

func keyAllowed(token string, tokens []config.IncomingAPIToken) bool {
	_, ok := resolveIncomingToken(token, tokens)
	return ok
}

type authIdentity struct {
	Token   config.IncomingAPIToken
	Role    string
	IsAdmin bool
}

func resolveAuthIdentity(token string, cfg config.ServerConfig) (authIdentity, bool) {
	tok, ok := resolveIncomingToken(strings.TrimSpace(token), cfg.IncomingTokens)
	if !ok {
		return authIdentity{}, false
	}
	return authIdentity{Token: tok, Role: tok.Role, IsAdmin: tok.Role == config.TokenRoleAdmin}, true
}

// resolveIncomingToken matches token against the configured tokens and
// returns the matching entry with its role normalized. Expired tokens never
// match.
func resolveIncomingToken(token string, tokens []config.IncomingAPIToken) (config.IncomingAPIToken, bool) {
	if token == "" {
		return config.IncomingAPIToken{}, false
	}
	i := slices.IndexFunc(tokens, func(t config.IncomingAPIToken) bool {
		return strings.TrimSpace(t.Key) == token
	})
	if i < 0 || tokenExpired(tokens[i]) {
		return config.IncomingAPIToken{}, false
	}
	tok := tokens[i]
	tok.Role = config.NormalizeIncomingTokenRole(tok.Role)
	if tok.Role == "" {
		tok.Role = config.TokenRoleInferrer
	}
	return tok, true
}

func tokenExpired(t config.IncomingAPIToken) bool {
	return !t.Usable(nowUTC())
}

func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

// requestIsTrustedNoAuth reports whether the peer may skip token auth:
// loopback always qualifies, host.docker.internal only when enabled.
func requestIsTrustedNoAuth(r *http.Request, cfg config.ServerConfig) bool {
	host := remoteHost(r)
	return hostIsLoopback(host) ||
		(cfg.AllowHostDockerInternalNoAuth && hostIsHostDockerInternal(host))
}

func remoteHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

func hostIsLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.EqualFold(host, "localhost")
	}
	return ip.IsLoopback()
}

func hostIsHostDockerInternal(host string) bool {
	if strings.EqualFold(host, "host.docker.internal") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && slices.ContainsFunc(dockerInternalIPs(), ip.Equal)
}

// host.docker.internal lookups are cached; failures only briefly, so a
// broken resolver does not stall every request.
var dockerHostCache = cache.NewTTLMap[string, []net.IP]()

func dockerInternalIPs() []net.IP {
	const dockerHost = "host.docker.internal"
	if ips, ok := dockerHostCache.GetFresh(dockerHost, nowUTC()); ok {
		return ips
	}
	ips, err := lookupIP(dockerHost)
	if err != nil {
		dockerHostCache.SetWithTTL(dockerHost, nil, nowUTC(), 30*time.Second)
		return nil
	}
	dockerHostCache.SetWithTTL(dockerHost, ips, nowUTC(), 5*time.Minute)
	return ips
}
