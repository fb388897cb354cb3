package server

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const devTestRedirect = "https://discounts.example.com/callback"

func newTestDevIDP(t *testing.T) (*DevIdentityProvider, *httptest.Server) {
	t.Helper()
	keys := newTestKeys(t)
	idp := NewDevIdentityProvider(DevIdentityConfig{
		Issuer:       testIssuer,
		ClientID:     testClientID,
		ClientSecret: "s3cret",
		RedirectURI:  devTestRedirect,
	}, keys, discardLogger())
	srv := httptest.NewServer(idp.Routes())
	t.Cleanup(srv.Close)
	return idp, srv
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func authorize(t *testing.T, srv *httptest.Server, params url.Values) *http.Response {
	t.Helper()
	resp, err := noRedirectClient().Get(srv.URL + "/authorize?" + params.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func authorizeParams() url.Values {
	return url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {devTestRedirect},
		"response_type": {"code"},
		"scope":         {"openid login"},
		"state":         {"st-1"},
	}
}

func issueDevCode(t *testing.T, srv *httptest.Server, params url.Values) string {
	t.Helper()
	resp := authorize(t, srv, params)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Query().Get("state") != params.Get("state") {
		t.Fatalf("state not echoed: %s", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %s", loc)
	}
	return code
}

func redeem(t *testing.T, srv *httptest.Server, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func tokenForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {devTestRedirect},
		"client_id":     {testClientID},
		"client_secret": {"s3cret"},
	}
}

func TestDevIDPAuthorizeRejectsUnknownClient(t *testing.T) {
	_, srv := newTestDevIDP(t)
	params := authorizeParams()
	params.Set("client_id", "other")

	if resp := authorize(t, srv, params); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDevIDPAuthorizeNeverRedirectsToUnregisteredURI(t *testing.T) {
	_, srv := newTestDevIDP(t)
	params := authorizeParams()
	params.Set("redirect_uri", "https://evil.test/callback")

	resp := authorize(t, srv, params)
	if resp.StatusCode != http.StatusBadRequest || resp.Header.Get("Location") != "" {
		t.Fatalf("expected direct 400, got %d to %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestDevIDPAuthorizeRequiresOpenIDScope(t *testing.T) {
	_, srv := newTestDevIDP(t)
	params := authorizeParams()
	params.Set("scope", "login")

	resp := authorize(t, srv, params)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected error redirect, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "invalid_scope" || loc.Query().Get("state") != "st-1" {
		t.Fatalf("unexpected error redirect %s", loc)
	}
}

func TestDevIDPIssuesVerifiableIDToken(t *testing.T) {
	idp, srv := newTestDevIDP(t)
	params := authorizeParams()
	params.Set("nonce", "n-1")
	code := issueDevCode(t, srv, params)

	resp, body := redeem(t, srv, tokenForm(code))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["token_type"] != "Bearer" || body["access_token"] == "" {
		t.Fatalf("unexpected token response %v", body)
	}
	raw, _ := body["id_token"].(string)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&idp.keys.current.PublicKey}}
	v := newIDTokenVerifier(testIssuer, keySet, testClientID, VerifierOptions{})
	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("dev id_token failed verification: %v", err)
	}
	if claims.Subject != "dev-user-0001" || claims.Raw["nonce"] != "n-1" {
		t.Fatalf("unexpected claims %v", claims.Raw)
	}
	if groups := claims.Groups(); len(groups) != 1 || groups[0] != "military" {
		t.Fatalf("unexpected groups %v", groups)
	}
}

func TestDevIDPCodeIsSingleUse(t *testing.T) {
	_, srv := newTestDevIDP(t)
	code := issueDevCode(t, srv, authorizeParams())

	if resp, body := redeem(t, srv, tokenForm(code)); resp.StatusCode != http.StatusOK {
		t.Fatalf("first redeem failed: %d %v", resp.StatusCode, body)
	}
	resp, body := redeem(t, srv, tokenForm(code))
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("expected invalid_grant on reuse, got %d %v", resp.StatusCode, body)
	}
}

func TestDevIDPCodeExpires(t *testing.T) {
	idp, srv := newTestDevIDP(t)
	base := time.Now()
	idp.now = func() time.Time { return base }
	code := issueDevCode(t, srv, authorizeParams())

	idp.now = func() time.Time { return base.Add(2 * time.Minute) }
	resp, body := redeem(t, srv, tokenForm(code))
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("expected expired code to fail, got %d %v", resp.StatusCode, body)
	}
}

func TestDevIDPRejectsBadClientSecret(t *testing.T) {
	_, srv := newTestDevIDP(t)
	code := issueDevCode(t, srv, authorizeParams())

	form := tokenForm(code)
	form.Set("client_secret", "wrong")
	resp, body := redeem(t, srv, form)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "invalid_client" {
		t.Fatalf("expected invalid_client, got %d %v", resp.StatusCode, body)
	}
}

func TestDevIDPRejectsRedirectMismatchAtToken(t *testing.T) {
	_, srv := newTestDevIDP(t)
	code := issueDevCode(t, srv, authorizeParams())

	form := tokenForm(code)
	form.Set("redirect_uri", "https://discounts.example.com/other")
	resp, body := redeem(t, srv, form)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %d %v", resp.StatusCode, body)
	}
}

func TestDevIDPDiscoveryAndJWKS(t *testing.T) {
	idp, srv := newTestDevIDP(t)

	resp, err := http.Get(srv.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&doc)
	if doc["issuer"] != testIssuer || doc["token_endpoint"] != testIssuer+"/token" {
		t.Fatalf("unexpected discovery document %v", doc)
	}

	resp, err = http.Get(srv.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer resp.Body.Close()
	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			D   string `json:"d"`
		} `json:"keys"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&set)
	if len(set.Keys) != 1 || set.Keys[0].Kid != idp.keys.KeyID() || set.Keys[0].Kty != "RSA" {
		t.Fatalf("unexpected jwks %+v", set)
	}
	if set.Keys[0].D != "" {
		t.Fatalf("jwks must not expose the private exponent")
	}
}

func TestSigningKeysPersistAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", devKeysFile)
	first, err := NewSigningKeys(path, discardLogger())
	if err != nil {
		t.Fatalf("NewSigningKeys: %v", err)
	}
	second, err := NewSigningKeys(path, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.KeyID() != second.KeyID() {
		t.Fatalf("expected persisted kid %s, got %s", first.KeyID(), second.KeyID())
	}
	if first.current.N.Cmp(second.current.N) != 0 {
		t.Fatalf("expected the same key after reload")
	}
}

func TestDevIDPSweepsAbandonedCodes(t *testing.T) {
	idp, srv := newTestDevIDP(t)
	base := time.Now()
	idp.now = func() time.Time { return base }
	abandoned := issueDevCode(t, srv, authorizeParams())

	idp.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh := issueDevCode(t, srv, authorizeParams())

	idp.mu.Lock()
	_, stale := idp.codes[abandoned]
	_, live := idp.codes[fresh]
	remaining := len(idp.codes)
	idp.mu.Unlock()
	if stale || !live || remaining != 1 {
		t.Fatalf("expected only the fresh code to remain, got %d codes", remaining)
	}
}
