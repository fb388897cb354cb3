package server

import (
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const devIDPPath = "/dev/idp"

// DevIdentityConfig registers the single relying party the dev IdP accepts.
type DevIdentityConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeTTL      time.Duration
	TokenTTL     time.Duration
	Claims       map[string]any
}

// DevIdentityProvider is a minimal in-process OIDC provider for local development.
// It approves every authorization request for a fixed user.
type DevIdentityProvider struct {
	cfg    DevIdentityConfig
	keys   *SigningKeys
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	codes map[string]devGrant
}

type devGrant struct {
	redirectURI string
	scope       string
	nonce       string
	expiresAt   time.Time
}

// NewDevIdentityProvider constructs the provider; keys sign the issued id_tokens.
func NewDevIdentityProvider(cfg DevIdentityConfig, keys *SigningKeys, logger *slog.Logger) *DevIdentityProvider {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Claims == nil {
		cfg.Claims = DefaultDevClaims()
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	return &DevIdentityProvider{
		cfg:    cfg,
		keys:   keys,
		logger: logger,
		now:    time.Now,
		codes:  make(map[string]devGrant),
	}
}

// DefaultDevClaims describes the user the dev IdP signs in.
func DefaultDevClaims() map[string]any {
	return map[string]any{
		"sub":            "dev-user-0001",
		"email":          "dev.user@example.com",
		"email_verified": true,
		"name":           "Dev User",
		"given_name":     "Dev",
		"family_name":    "User",
		"groups":         []string{"military"},
	}
}

// Routes returns the provider endpoints relative to the issuer.
func (d *DevIdentityProvider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/authorize", d.handleAuthorize)
	r.Post("/token", d.handleToken)
	r.Get("/.well-known/jwks.json", d.handleJWKS)
	r.Get("/.well-known/openid-configuration", d.handleDiscovery)
	return r
}

func (d *DevIdentityProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != d.cfg.ClientID {
		http.Error(w, "invalid_request: unknown client_id", http.StatusBadRequest)
		return
	}
	// Only the exact registered redirect is ever used as a redirect target.
	redirectURI := q.Get("redirect_uri")
	if redirectURI != d.cfg.RedirectURI {
		http.Error(w, "invalid_request: redirect_uri mismatch", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	if q.Get("response_type") != "code" {
		redirectWithParams(w, r, redirectURI, url.Values{"error": {"unsupported_response_type"}, "state": {state}})
		return
	}
	scope := q.Get("scope")
	if !hasScope(scope, "openid") {
		redirectWithParams(w, r, redirectURI, url.Values{
			"error":             {"invalid_scope"},
			"error_description": {"scope must include openid"},
			"state":             {state},
		})
		return
	}

	code, err := newStateToken()
	if err != nil {
		redirectWithParams(w, r, redirectURI, url.Values{"error": {"server_error"}, "state": {state}})
		return
	}

	d.mu.Lock()
	d.sweepExpiredLocked()
	d.codes[code] = devGrant{
		redirectURI: redirectURI,
		scope:       scope,
		nonce:       q.Get("nonce"),
		expiresAt:   d.now().Add(d.cfg.CodeTTL),
	}
	d.mu.Unlock()

	d.logger.Debug("dev idp issued code", "client_id", d.cfg.ClientID, "scope", scope)
	params := url.Values{"code": {code}}
	if state != "" {
		params.Set("state", state)
	}
	redirectWithParams(w, r, redirectURI, params)
}

func (d *DevIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	if clientID != d.cfg.ClientID || clientSecret != d.cfg.ClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	grant, ok := d.consumeCode(r.PostForm.Get("code"))
	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if grant.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	now := d.now()
	claims := jwt.MapClaims{}
	maps.Copy(claims, d.cfg.Claims)
	claims["iss"] = d.cfg.Issuer
	claims["aud"] = d.cfg.ClientID
	claims["iat"] = now.Unix()
	claims["auth_time"] = now.Unix()
	claims["exp"] = now.Add(d.cfg.TokenTTL).Unix()
	if grant.nonce != "" {
		claims["nonce"] = grant.nonce
	}

	idToken, err := d.keys.Sign(claims)
	if err != nil {
		d.logger.Error("dev idp sign id_token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "failed to sign id_token")
		return
	}
	accessToken, err := newStateToken()
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", "failed to mint access_token")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(d.cfg.TokenTTL.Seconds()),
		"scope":        grant.scope,
		"id_token":     idToken,
	})
}

func (d *DevIdentityProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.keys.PublicJWKS())
}

func (d *DevIdentityProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                d.cfg.Issuer,
		"authorization_endpoint":                d.cfg.Issuer + "/authorize",
		"token_endpoint":                        d.cfg.Issuer + "/token",
		"jwks_uri":                              d.cfg.Issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "login", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
		"grant_types_supported":                 []string{"authorization_code"},
	})
}

// sweepExpiredLocked drops codes nobody redeemed in time. d.mu must be held.
func (d *DevIdentityProvider) sweepExpiredLocked() {
	now := d.now()
	for code, grant := range d.codes {
		if now.After(grant.expiresAt) {
			delete(d.codes, code)
		}
	}
}

func (d *DevIdentityProvider) consumeCode(code string) (devGrant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	grant, ok := d.codes[code]
	if !ok {
		return devGrant{}, false
	}
	delete(d.codes, code)
	if d.now().After(grant.expiresAt) {
		return devGrant{}, false
	}
	return grant, true
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func redirectWithParams(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	for k, vals := range params {
		for _, v := range vals {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
