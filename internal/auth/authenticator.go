package auth

import (
	"context"
	"errors"
	"net"
	"strings"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
)

const anonymousPrefix = "anon:"

// Credentials is what a client presented when connecting.
type Credentials struct {
	Token      string
	RemoteAddr string
}

// Identity is an authenticated caller. Anonymous callers are identified by
// their IP address; Subject is the key their admissions are limited under.
type Identity struct {
	UserID    string
	Subject   string
	Anonymous bool
}

type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

// JWTAuthenticator accepts bearer JWTs and, when allowed, falls back to an
// anonymous identity for requests without a token.
type JWTAuthenticator struct {
	verifier       TokenVerifier
	allowAnonymous bool
}

func NewJWTAuthenticator(verifier TokenVerifier, allowAnonymous bool) *JWTAuthenticator {
	return &JWTAuthenticator{verifier: verifier, allowAnonymous: allowAnonymous}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, creds Credentials) (Identity, error) {
	token := strings.TrimSpace(creds.Token)
	if token == "" {
		if !a.allowAnonymous {
			return Identity{}, errx.Unauthenticated(errors.New("missing bearer token"))
		}
		ip := clientIP(creds.RemoteAddr)
		if ip == "" {
			return Identity{}, errx.Unauthenticated(errors.New("anonymous caller without address"))
		}
		return Identity{UserID: anonymousPrefix + ip, Subject: ip, Anonymous: true}, nil
	}
	if a.verifier == nil {
		return Identity{}, errx.Unauthenticated(errors.New("token verification not configured"))
	}

	userID, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, errx.Unauthenticated(err)
	}
	if strings.HasPrefix(userID, anonymousPrefix) {
		return Identity{}, errx.Unauthenticated(ErrInvalidToken)
	}
	return Identity{UserID: userID, Subject: userID}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func clientIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

var _ Authenticator = (*JWTAuthenticator)(nil)
