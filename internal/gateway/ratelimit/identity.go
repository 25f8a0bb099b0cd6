package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity attributes a request to a limiter partition. The most specific
// signal wins: bearer token subject, then source address, then anonymous.
type Identity struct {
	Partition string
	Subject   string
	Address   string
}

// identityClaims carries the token fields used for partitioning. Signature
// checks belong to the issuing layer in front of the gateway, so tokens are
// only decoded here.
type identityClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ResolveIdentity derives the partition identity for a request.
func ResolveIdentity(r *http.Request) Identity {
	identity := Identity{Partition: "anonymous", Address: remoteHost(r.RemoteAddr)}
	if identity.Address != "" {
		identity.Partition = "addr:" + identity.Address
	}

	scheme, param := parseAuthorization(strings.TrimSpace(r.Header.Get("Authorization")))
	if !strings.EqualFold(scheme, "bearer") {
		return identity
	}
	token := strings.TrimSpace(param)
	if token == "" {
		return identity
	}

	claims := &identityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return identity
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.UserID)
	}
	if subject == "" {
		return identity
	}

	identity.Subject = subject
	identity.Partition = "sub:" + subject
	return identity
}

func parseAuthorization(header string) (string, string) {
	if header == "" {
		return "", ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 1 {
		return strings.TrimSpace(parts[0]), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
