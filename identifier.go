package abuse_guard

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	userPrefix = "user:"
	ipPrefix   = "ip:"

	unknownAddress = "unknown"
)

// Identifier kinds as reported by the statistics API.
const (
	KindUser = "user"
	KindIP   = "ip"
)

// IdentityProvider returns the authenticated user id for a request, if any.
type IdentityProvider interface {
	UserID(r *http.Request) (string, bool)
}

// IdentityProviderFunc adapts a function to IdentityProvider.
type IdentityProviderFunc func(r *http.Request) (string, bool)

func (f IdentityProviderFunc) UserID(r *http.Request) (string, bool) {
	return f(r)
}

// AddressHints are the network address sources of a request, in no particular
// order. ResolveIdentifier applies the precedence.
type AddressHints struct {
	ForwardedFor string
	RealIP       string
	RemoteAddr   string
}

// ResolveIdentifier returns the counting identifier for a request. An
// authenticated user always wins over any network address. The result is never
// empty.
func ResolveIdentifier(userID string, hints AddressHints) string {
	if id := strings.TrimSpace(userID); id != "" {
		return userPrefix + id
	}

	if ip := firstAddress(hints.ForwardedFor); ip != "" {
		return ipPrefix + ip
	}

	if ip := parseAddress(hints.RealIP); ip != "" {
		return ipPrefix + ip
	}

	remote := strings.TrimSpace(hints.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if ip := parseAddress(remote); ip != "" {
		return ipPrefix + ip
	}

	return ipPrefix + unknownAddress
}

// IdentifierFromRequest resolves the identifier for an HTTP request.
// provider may be nil for anonymous-only routes.
func IdentifierFromRequest(r *http.Request, provider IdentityProvider) string {
	var userID string
	if provider != nil {
		if id, ok := provider.UserID(r); ok {
			userID = id
		}
	}

	return ResolveIdentifier(userID, AddressHints{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
		RemoteAddr:   r.RemoteAddr,
	})
}

// IdentifierKind splits an identifier into its kind and bare value.
func IdentifierKind(identifier string) (kind, value string) {
	if v, ok := strings.CutPrefix(identifier, userPrefix); ok {
		return KindUser, v
	}
	if v, ok := strings.CutPrefix(identifier, ipPrefix); ok {
		return KindIP, v
	}
	return KindIP, identifier
}

// QualifyIdentifier is the inverse of IdentifierKind. It reports false for an
// unknown kind.
func QualifyIdentifier(kind, value string) (string, bool) {
	switch kind {
	case KindUser:
		return userPrefix + value, true
	case KindIP:
		return ipPrefix + value, true
	}
	return "", false
}

// IsQualified reports whether identifier carries a user: or ip: prefix.
func IsQualified(identifier string) bool {
	return strings.HasPrefix(identifier, userPrefix) || strings.HasPrefix(identifier, ipPrefix)
}

// firstAddress returns the client entry of a forwarded-for list.
func firstAddress(list string) string {
	first, _, _ := strings.Cut(list, ",")
	return parseAddress(first)
}

func parseAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	// ::ffff:1.2.3.4 and 1.2.3.4 are the same client.
	return addr.Unmap().String()
}
