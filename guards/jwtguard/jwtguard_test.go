package jwtguard

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaykit/mcp-adapter-go/guards"
)

type mockOIDC struct {
	srv    *httptest.Server
	issuer string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 m.issuer,
			"jwks_uri":               m.issuer + "/keys",
			"authorization_endpoint": m.issuer + "/oauth2/auth",
			"token_endpoint":         m.issuer + "/oauth2/token",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newGuard(t *testing.T, issuer, aud string, mutate func(*Config)) *Guard {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	if mutate != nil {
		mutate(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp:read mcp:write",
	}
}

func TestValidateHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	aud := "https://api.example.com/mcp"
	g := newGuard(t, oidc.issuer, aud, nil)

	tok := signToken(t, pk, kid, "at+jwt", baseClaims(oidc.issuer, aud))
	id, err := g.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.Subject() != "user-123" {
		t.Fatalf("subject = %q", id.Subject())
	}
	var claims struct {
		Scope string `json:"scope"`
	}
	if err := id.Claims(&claims); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Scope != "mcp:read mcp:write" {
		t.Fatalf("scope = %q", claims.Scope)
	}
}

func TestValidateRejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	aud := "https://api.example.com/mcp"

	for name, tc := range map[string]struct {
		mutate  func(*Config)
		claims  func() jwt.MapClaims
		typ     string
		wantErr error
	}{
		"wrong audience": {
			claims: func() jwt.MapClaims {
				c := baseClaims(oidc.issuer, "https://other.example.com")
				return c
			},
			typ:     "at+jwt",
			wantErr: ErrUnauthorized,
		},
		"expired": {
			claims: func() jwt.MapClaims {
				c := baseClaims(oidc.issuer, aud)
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return c
			},
			typ:     "at+jwt",
			wantErr: ErrUnauthorized,
		},
		"wrong typ": {
			claims:  func() jwt.MapClaims { return baseClaims(oidc.issuer, aud) },
			typ:     "JWT",
			wantErr: ErrUnauthorized,
		},
		"missing sub": {
			claims: func() jwt.MapClaims {
				c := baseClaims(oidc.issuer, aud)
				delete(c, "sub")
				return c
			},
			typ:     "at+jwt",
			wantErr: ErrUnauthorized,
		},
		"missing scope": {
			mutate: func(c *Config) { c.RequiredScopes = []string{"mcp:admin"} },
			claims: func() jwt.MapClaims { return baseClaims(oidc.issuer, aud) },
			typ:     "at+jwt",
			wantErr: ErrInsufficientScope,
		},
	} {
		t.Run(name, func(t *testing.T) {
			g := newGuard(t, oidc.issuer, aud, tc.mutate)
			tok := signToken(t, pk, kid, tc.typ, tc.claims())
			if _, err := g.Validate(context.Background(), tok); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestScopeModeAny(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	aud := "https://api.example.com/mcp"
	g := newGuard(t, oidc.issuer, aud, func(c *Config) {
		c.RequiredScopes = []string{"mcp:admin", "mcp:read"}
		c.ScopeModeAny = true
	})

	tok := signToken(t, pk, kid, "at+jwt", baseClaims(oidc.issuer, aud))
	if _, err := g.Validate(context.Background(), tok); err != nil {
		t.Fatalf("any-mode should accept mcp:read: %v", err)
	}
}

func TestAllowReadsCapturedAuthorizationHeader(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	aud := "https://api.example.com/mcp"
	g := newGuard(t, oidc.issuer, aud, nil)

	tok := signToken(t, pk, kid, "at+jwt", baseClaims(oidc.issuer, aud))
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+tok)
	ec := guards.NewExecutionContext("tool", "echo", "s1", nil, &guards.Args{},
		&guards.RequestInfo{Headers: headers})

	ok, err := g.Allow(context.Background(), ec)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !ok {
		t.Fatal("valid token should pass")
	}

	for name, header := range map[string]string{
		"no header":     "",
		"not bearer":    "Basic dXNlcjpwdw==",
		"garbage token": "Bearer not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			h := http.Header{}
			if header != "" {
				h.Set("Authorization", header)
			}
			ec := guards.NewExecutionContext("tool", "echo", "s1", nil, &guards.Args{},
				&guards.RequestInfo{Headers: h})
			ok, err := g.Allow(context.Background(), ec)
			if err != nil {
				t.Fatalf("allow: %v", err)
			}
			if ok {
				t.Fatal("should deny")
			}
		})
	}
}
