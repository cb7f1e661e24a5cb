package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoSigningKey is returned by NewJWTSource without a key.
var ErrNoSigningKey = errors.New("credential: jwt signing key is required")

// Source supplies the bearer token sent with each remote call.
//
// Contract:
//   - Concurrency: Token may be called concurrently.
//   - Errors: a Source never returns an empty token with a nil error.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a Source that always returns the same token.
type Static string

// Token returns s.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrEmpty
	}
	return string(s), nil
}

// JWTConfig configures a JWTSource.
type JWTConfig struct {
	// Key is the HMAC signing key.
	Key []byte `mapstructure:"-"`

	// Issuer is the iss claim.
	Issuer string `mapstructure:"issuer"`

	// Subject is the sub claim.
	Subject string `mapstructure:"subject"`

	// Audience is the aud claim.
	Audience string `mapstructure:"audience"`

	// KeyID is set as the kid header when not empty.
	KeyID string `mapstructure:"key_id"`

	// TTL is the token lifetime.
	// Default: 15 minutes
	TTL time.Duration `mapstructure:"ttl"`

	// RefreshBefore re-signs a cached token this long before it expires.
	// Default: 1 minute
	RefreshBefore time.Duration `mapstructure:"refresh_before"`

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time `mapstructure:"-"`
}

// JWTSource signs short-lived HS256 bearer tokens for gateways that expect
// a JWT instead of a static API key. A token is reused until it is close to
// expiry.
type JWTSource struct {
	config JWTConfig

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTSource creates a JWTSource.
func NewJWTSource(config JWTConfig) (*JWTSource, error) {
	if len(config.Key) == 0 {
		return nil, ErrNoSigningKey
	}

	// Apply defaults
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	if config.RefreshBefore <= 0 || config.RefreshBefore >= config.TTL {
		config.RefreshBefore = min(time.Minute, config.TTL/2)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &JWTSource{config: config}, nil
}

// Token returns a cached token or signs a new one.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	if s.token != "" && now.Before(s.expires.Add(-s.config.RefreshBefore)) {
		return s.token, nil
	}

	expires := now.Add(s.config.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    s.config.Issuer,
		Subject:   s.config.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	if s.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.config.Audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if s.config.KeyID != "" {
		tok.Header["kid"] = s.config.KeyID
	}

	signed, err := tok.SignedString(s.config.Key)
	if err != nil {
		return "", fmt.Errorf("credential: sign jwt: %w", err)
	}

	s.token, s.expires = signed, expires
	return signed, nil
}

var (
	_ Source = Static("")
	_ Source = (*JWTSource)(nil)
)
