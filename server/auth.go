package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for inbound authentication.
var (
	ErrMissingCredentials = errors.New("server: missing credentials")
	ErrInvalidCredentials = errors.New("server: invalid credentials")
	ErrTokenExpired       = errors.New("server: token expired")
	ErrTokenMalformed     = errors.New("server: token malformed")
)

// Identity is the authenticated caller of a request.
type Identity struct {
	// Principal is the key ID or the token subject.
	Principal string

	// Method is the authenticator that accepted the request.
	Method string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, or nil when the request
// was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Authenticator validates the credentials of a request.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Errors: Authenticate returns one of the sentinel errors above when the
//     credentials are missing or rejected.
type Authenticator interface {
	// Name identifies the method, e.g. "api_key".
	Name() string

	// Supports reports whether r carries credentials of this kind.
	Supports(r *http.Request) bool

	// Authenticate validates the credentials of r.
	Authenticate(r *http.Request) (*Identity, error)
}

// APIKeyAuthenticator accepts a fixed set of API keys. Keys are held as
// SHA-256 digests and compared in constant time.
type APIKeyAuthenticator struct {
	header string
	hashes [][sha256.Size]byte
}

// NewAPIKeyAuthenticator creates an authenticator reading keys from the
// X-API-Key header.
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{header: "X-API-Key"}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.hashes = append(a.hashes, sha256.Sum256([]byte(k)))
		}
	}
	return a
}

// Name returns "api_key".
func (a *APIKeyAuthenticator) Name() string { return "api_key" }

// Supports reports whether the request has an X-API-Key header.
func (a *APIKeyAuthenticator) Supports(r *http.Request) bool {
	return r.Header.Get(a.header) != ""
}

// Authenticate matches the header against the configured keys.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	key := strings.TrimSpace(r.Header.Get(a.header))
	if key == "" {
		return nil, ErrMissingCredentials
	}

	sum := sha256.Sum256([]byte(key))
	matched := 0
	for _, h := range a.hashes {
		matched |= subtle.ConstantTimeCompare(sum[:], h[:])
	}
	if matched != 1 {
		return nil, ErrInvalidCredentials
	}

	// The principal is a short digest prefix so keys never reach the logs.
	return &Identity{Principal: "key:" + hex.EncodeToString(sum[:4]), Method: a.Name()}, nil
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	key    []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a bearer token authenticator. Issuer and
// audience are checked when not empty.
func NewJWTAuthenticator(secret []byte, issuer, audience string) *JWTAuthenticator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTAuthenticator{key: secret, parser: jwt.NewParser(opts...)}
}

// Name returns "jwt".
func (a *JWTAuthenticator) Name() string { return "jwt" }

// Supports reports whether the request has a bearer token.
func (a *JWTAuthenticator) Supports(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// Authenticate parses and validates the bearer token.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingCredentials
	}

	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenMalformed
	case err != nil:
		return nil, ErrInvalidCredentials
	}

	return &Identity{Principal: claims.Subject, Method: a.Name()}, nil
}

// authenticatorsFor builds the authenticators named by cfg.
func authenticatorsFor(cfg AuthConfig) []Authenticator {
	var out []Authenticator
	if len(cfg.APIKeys) > 0 {
		out = append(out, NewAPIKeyAuthenticator(cfg.APIKeys))
	}
	if cfg.JWTSecret != "" {
		out = append(out, NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience))
	}
	return out
}

// authenticate tries the first authenticator that supports r.
func authenticate(auths []Authenticator, r *http.Request) (*Identity, error) {
	for _, a := range auths {
		if a.Supports(r) {
			return a.Authenticate(r)
		}
	}
	return nil, ErrMissingCredentials
}

var (
	_ Authenticator = (*APIKeyAuthenticator)(nil)
	_ Authenticator = (*JWTAuthenticator)(nil)
)
