// Package jwtguard provides a guard that authenticates capability calls with
// a bearer token from the session's captured Authorization header. Tokens
// are validated as RFC 9068 access tokens against an OIDC issuer; the JWKS
// is discovered once and auto-refreshed.
package jwtguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaykit/mcp-adapter-go/guards"
)

// ErrUnauthorized indicates the token failed validation (signature, issuer,
// audience, exp/nbf) and the call is unauthenticated.
var ErrUnauthorized = errors.New("jwtguard: unauthorized")

// ErrInsufficientScope indicates the token was valid but lacks the required
// scopes.
var ErrInsufficientScope = errors.New("jwtguard: insufficient scope")

// Config controls token validation policy.
type Config struct {
	// Issuer is the OIDC issuer URL used for discovery. Required.
	Issuer string
	// ExpectedAudiences lists accepted audiences; index 0 should be the
	// production audience.
	ExpectedAudiences []string
	// RequiredScopes the token must carry. All are required unless
	// ScopeModeAny is set.
	RequiredScopes []string
	ScopeModeAny   bool
	AllowedAlgs    []string
	Leeway         time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Identity is the validated caller identity a token resolves to.
type Identity struct {
	sub    string
	claims jwt.MapClaims
}

// Subject returns the token's sub claim.
func (i *Identity) Subject() string { return i.sub }

// Claims unmarshals the raw claims into ref.
func (i *Identity) Claims(ref any) error {
	b, err := json.Marshal(i.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Guard validates bearer tokens on every capability call. It implements
// guards.Guard; attach it at class or method level.
type Guard struct {
	cfg     *Config
	iss     string
	keyfunc jwt.Keyfunc
}

var _ guards.Guard = (*Guard)(nil)

// New performs OIDC discovery against cfg.Issuer and builds a Guard with an
// auto-refreshing JWKS.
func New(ctx context.Context, cfg *Config) (*Guard, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, fmt.Errorf("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Guard{
		cfg: cfg,
		iss: meta.Issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
	}, nil
}

// Allow extracts the bearer token from the headers captured at session
// initialization and validates it. Any validation failure denies the call;
// it never aborts with an error, so denials surface as access-denied rather
// than internal failures.
func (g *Guard) Allow(ctx context.Context, ec *guards.ExecutionContext) (bool, error) {
	req := ec.HTTPRequest()
	if req == nil {
		return false, nil
	}
	tok := bearerToken(req.Headers.Get("Authorization"))
	if tok == "" {
		return false, nil
	}
	if _, err := g.Validate(ctx, tok); err != nil {
		return false, nil
	}
	return true, nil
}

// Validate checks one access token and returns the identity it carries.
func (g *Guard) Validate(ctx context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(g.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(g.iss),
		jwt.WithLeeway(g.cfg.Leeway),
	}
	if len(g.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(g.cfg.ExpectedAudiences[0]))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, g.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 requires the at+jwt header type.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(g.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], g.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(g.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		matched := 0
		for _, want := range g.cfg.RequiredScopes {
			if have[want] {
				matched++
			}
		}
		if g.cfg.ScopeModeAny {
			if matched == 0 {
				return nil, ErrInsufficientScope
			}
		} else if matched != len(g.cfg.RequiredScopes) {
			return nil, ErrInsufficientScope
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Identity{sub: sub, claims: claims}, nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func audIntersects(aud any, want []string) bool {
	for _, w := range want {
		switch v := aud.(type) {
		case string:
			if v == w {
				return true
			}
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok && s == w {
					return true
				}
			}
		case []string:
			for _, s := range v {
				if s == w {
					return true
				}
			}
		}
	}
	return false
}
