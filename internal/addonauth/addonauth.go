// Package addonauth verifies the bearer tokens add-ons present when they
// connect or call back. Tokens are HS256 JWTs whose issuer is the instance id,
// signed with the shared secret stored in that instance's registration.
package addonauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// SecretFunc returns the shared secret for an instance. It should return an
// error when the instance is not provisioned.
type SecretFunc func(ctx context.Context, instanceID string) ([]byte, error)

type Config struct {
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	Leeway   time.Duration
}

type Verifier struct {
	cfg    Config
	secret SecretFunc
}

func NewVerifier(secret SecretFunc, cfg Config) (*Verifier, error) {
	if secret == nil {
		return nil, errors.New("secret lookup is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &Verifier{cfg: cfg, secret: secret}, nil
}

// Verify checks tok and returns the instance id it was issued by.
func (v *Verifier) Verify(ctx context.Context, tok string) (string, error) {
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		iss, err := t.Claims.GetIssuer()
		if err != nil || iss == "" {
			return nil, errors.New("missing iss")
		}
		secret, err := v.secret(ctx, iss)
		if err != nil {
			return nil, fmt.Errorf("lookup secret for %s: %w", iss, err)
		}
		if len(secret) == 0 {
			return nil, fmt.Errorf("no shared secret for %s", iss)
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	return claims.Issuer, nil
}

// Issue signs a token for instanceID. Add-ons mint these themselves; the
// gateway uses it for tooling and tests.
func Issue(instanceID string, secret []byte, ttl time.Duration, audience ...string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    instanceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if len(audience) > 0 {
		claims.Audience = jwt.ClaimStrings(audience)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
