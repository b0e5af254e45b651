// Package auth verifies identity-provider access tokens and carries the
// resulting claims through a request.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"example/mixreport-api/app/config"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const leeway = 30 * time.Second

// accessToken is the part of an access token the API reads.
type accessToken struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verifier checks RS-signed bearer tokens against the issuer's published keys.
type Verifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
}

// NewVerifier loads signing keys from cfg.JWKSURL, or from the issuer's
// well-known path when that is empty.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer must be set")
	}
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}
	if cfg.Audience == "" {
		return nil, errors.New("auth: audience must be set")
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = issuer + ".well-known/jwks.json"
	}

	keys, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: load signing keys: %w", err)
	}
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithIssuer(issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		),
	}, nil
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	var at accessToken
	if _, err := v.parser.ParseWithClaims(token, &at, v.keys.Keyfunc); err != nil {
		return nil, err
	}
	if at.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	c := &Claims{
		Subject: at.Subject,
		Email:   strings.TrimSpace(at.Email),
		Name:    strings.TrimSpace(at.Name),
		Scope:   at.Scope,
	}
	if at.ExpiresAt != nil {
		c.ExpiresAt = at.ExpiresAt.Time
	}
	return c, nil
}
