package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://issuer.test"
	testClientID = "discounts-web"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKeys(t *testing.T) *SigningKeys {
	t.Helper()
	keys, err := NewSigningKeys("", discardLogger())
	if err != nil {
		t.Fatalf("NewSigningKeys: %v", err)
	}
	return keys
}

// jwksServer publishes the current public keys and counts fetches.
func jwksServer(t *testing.T, keys *SigningKeys) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keys.PublicJWKS())
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    testClientID,
		"sub":    "user-42",
		"iat":    now.Unix(),
		"exp":    now.Add(5 * time.Minute).Unix(),
		"email":  "user@example.com",
		"groups": []string{"military", "veteran"},
	}
}

func signClaims(t *testing.T, keys *SigningKeys, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := keys.Sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func newRemoteVerifier(t *testing.T, keys *SigningKeys) (*IDTokenVerifier, *atomic.Int32) {
	t.Helper()
	srv, hits := jwksServer(t, keys)
	return NewIDTokenVerifier(context.Background(), testIssuer, srv.URL, testClientID, VerifierOptions{}), hits
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	keys := newTestKeys(t)
	v, _ := newRemoteVerifier(t, keys)

	claims, err := v.Verify(context.Background(), signClaims(t, keys, baseClaims(time.Now())))
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != testIssuer {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != testClientID {
		t.Fatalf("unexpected audience %v", claims.Audience)
	}
	if claims.Raw["email"] != "user@example.com" {
		t.Fatalf("expected raw claims to carry email, got %v", claims.Raw)
	}
	groups := claims.Groups()
	if len(groups) != 2 || groups[0] != "military" || groups[1] != "veteran" {
		t.Fatalf("unexpected groups %v", groups)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	keys := newTestKeys(t)
	foreign := newTestKeys(t)
	v, _ := newRemoteVerifier(t, keys)

	// Same kid as the published key, different private key.
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(time.Now()))
	tok.Header["kid"] = keys.KeyID()
	raw, err := tok.SignedString(foreign.current)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = v.Verify(context.Background(), raw)
	var vErr *VerificationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected VerificationError, got %v", err)
	}
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	keys := newTestKeys(t)
	foreign := newTestKeys(t)
	v, _ := newRemoteVerifier(t, keys)

	if _, err := v.Verify(context.Background(), signClaims(t, foreign, baseClaims(time.Now()))); err == nil {
		t.Fatalf("expected token from unknown key to be rejected")
	}
}

func TestVerifyRejectsClaimMismatches(t *testing.T) {
	keys := newTestKeys(t)
	v, _ := newRemoteVerifier(t, keys)
	now := time.Now()

	cases := map[string]func(jwt.MapClaims){
		"wrong issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil.test" },
		"wrong audience": func(c jwt.MapClaims) { c["aud"] = "someone-else" },
		"expired":        func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Hour).Unix() },
		"not yet valid":  func(c jwt.MapClaims) { c["nbf"] = now.Add(10 * time.Minute).Unix() },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claims := baseClaims(now)
			mutate(claims)
			_, err := v.Verify(context.Background(), signClaims(t, keys, claims))
			var vErr *VerificationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected VerificationError, got %v", err)
			}
		})
	}
}

func TestVerifyNotBeforeLeeway(t *testing.T) {
	keys := newTestKeys(t)
	v, _ := newRemoteVerifier(t, keys)
	now := time.Now()

	claims := baseClaims(now)
	claims["nbf"] = now.Add(10 * time.Second).Unix()
	if _, err := v.Verify(context.Background(), signClaims(t, keys, claims)); err != nil {
		t.Fatalf("nbf inside leeway should be accepted: %v", err)
	}
}

func TestVerifyUsesInjectedClock(t *testing.T) {
	keys := newTestKeys(t)
	srv, _ := jwksServer(t, keys)
	issued := time.Now().Add(-2 * time.Hour)
	v := NewIDTokenVerifier(context.Background(), testIssuer, srv.URL, testClientID, VerifierOptions{
		Now: func() time.Time { return issued.Add(time.Minute) },
	})

	if _, err := v.Verify(context.Background(), signClaims(t, keys, baseClaims(issued))); err != nil {
		t.Fatalf("expected token valid at injected time: %v", err)
	}
}

func TestVerifyMissingIDToken(t *testing.T) {
	keys := newTestKeys(t)
	v, hits := newRemoteVerifier(t, keys)

	_, err := v.Verify(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "id_token missing") {
		t.Fatalf("expected missing id_token error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("jwks must not be fetched for an empty token")
	}
}

func TestVerifyRefetchesAfterKeyRotation(t *testing.T) {
	keys := newTestKeys(t)
	v, hits := newRemoteVerifier(t, keys)
	ctx := context.Background()

	if _, err := v.Verify(ctx, signClaims(t, keys, baseClaims(time.Now()))); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := v.Verify(ctx, signClaims(t, keys, baseClaims(time.Now()))); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected cached keys to be reused, got %d fetches", got)
	}

	if err := keys.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := v.Verify(ctx, signClaims(t, keys, baseClaims(time.Now()))); err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a refetch after rotation, got %d fetches", got)
	}
}

func TestVerifyJWKSUnavailable(t *testing.T) {
	keys := newTestKeys(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := NewIDTokenVerifier(context.Background(), testIssuer, srv.URL, testClientID, VerifierOptions{})
	if _, err := v.Verify(context.Background(), signClaims(t, keys, baseClaims(time.Now()))); err == nil {
		t.Fatalf("expected key fetch failure to reject the token")
	}
}

func TestGroupsAcceptsSpaceSeparatedString(t *testing.T) {
	c := VerifiedClaims{Raw: map[string]any{"groups": "nurse student"}}
	if got := c.Groups(); len(got) != 2 || got[1] != "student" {
		t.Fatalf("unexpected groups %v", got)
	}
	if got := (VerifiedClaims{}).Groups(); got != nil {
		t.Fatalf("expected no groups, got %v", got)
	}
}
