package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const notBeforeLeeway = 30 * time.Second

// VerifiedClaims is the signature-checked payload of an identity token.
type VerifiedClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Raw      map[string]any
}

// Groups returns the eligibility groups asserted by the provider, if any.
func (c VerifiedClaims) Groups() []string {
	switch v := c.Raw["groups"].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// IDTokenVerifier validates identity tokens against the provider's published keys.
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
	now      func() time.Time
}

// VerifierOptions tune a verifier built by NewIDTokenVerifier.
type VerifierOptions struct {
	SigningAlgs []string
	HTTPClient  *http.Client
	Now         func() time.Time
}

// NewIDTokenVerifier builds a verifier whose key set is fetched from jwksURL.
// Keys are cached and refetched when a token carries an unknown kid. ctx bounds
// the lifetime of the key set and must outlive individual requests.
func NewIDTokenVerifier(ctx context.Context, issuer, jwksURL, clientID string, opts VerifierOptions) *IDTokenVerifier {
	if opts.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, opts.HTTPClient)
	}
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return newIDTokenVerifier(issuer, keySet, clientID, opts)
}

func newIDTokenVerifier(issuer string, keySet oidc.KeySet, clientID string, opts VerifierOptions) *IDTokenVerifier {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	algs := opts.SigningAlgs
	if len(algs) == 0 {
		algs = []string{oidc.RS256}
	}
	return &IDTokenVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{
			ClientID:             clientID,
			SupportedSigningAlgs: algs,
			Now:                  now,
		}),
		now: now,
	}
}

// Verify checks signature, issuer, audience and validity window of rawIDToken.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (VerifiedClaims, error) {
	if rawIDToken == "" {
		return VerifiedClaims{}, &VerificationError{Reason: "id_token missing in token response"}
	}

	tok, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return VerifiedClaims{}, &VerificationError{Reason: "verify id_token", Err: err}
	}

	var raw map[string]any
	if err := tok.Claims(&raw); err != nil {
		return VerifiedClaims{}, &VerificationError{Reason: "parse claims", Err: err}
	}

	var window struct {
		NotBefore *jwt.NumericDate `json:"nbf"`
	}
	if err := tok.Claims(&window); err != nil {
		return VerifiedClaims{}, &VerificationError{Reason: "parse nbf", Err: err}
	}
	if window.NotBefore != nil && v.now().Add(notBeforeLeeway).Before(window.NotBefore.Time) {
		return VerifiedClaims{}, &VerificationError{Reason: "token not valid before " + window.NotBefore.Time.UTC().Format(time.RFC3339)}
	}

	return VerifiedClaims{
		Issuer:   tok.Issuer,
		Subject:  tok.Subject,
		Audience: tok.Audience,
		Expiry:   tok.Expiry,
		IssuedAt: tok.IssuedAt,
		Raw:      raw,
	}, nil
}

// ClaimsToJSON renders claims for display.
func ClaimsToJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
