package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the behaviour required from the upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (TokenSet, error)
	Verify(ctx context.Context, rawIDToken string) (VerifiedClaims, error)
}

// TokenSet is the token endpoint response. It is only held while rendering.
// Raw is the decoded response body as the provider sent it, when available.
type TokenSet struct {
	AccessToken  string         `json:"access_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	IDToken      string         `json:"id_token,omitempty"`
	Raw          map[string]any `json:"-"`
}

// Response returns what the result page shows for the token set.
func (t TokenSet) Response() any {
	if len(t.Raw) > 0 {
		return t.Raw
	}
	return t
}

// maxTokenResponseSize bounds how much of a token response is kept.
const maxTokenResponseSize = 1 << 20

// tokenResponseRecorder keeps the body of a successful token endpoint reply
// so fields x/oauth2 does not model survive the exchange.
type tokenResponseRecorder struct {
	base http.RoundTripper
	body []byte
}

func (r *tokenResponseRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	r.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// decoded returns the recorded body as a JSON object, or nil.
func (r *tokenResponseRecorder) decoded() map[string]any {
	if len(r.body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

// OIDCProvider wraps the upstream IdP registration and helpers.
type OIDCProvider struct {
	name         string
	oauthConfig  *oauth2.Config
	verifier     *IDTokenVerifier
	httpClient   *http.Client
	responseMode string
	logger       *slog.Logger
}

// NewOIDCProvider prepares the redirector, exchanger and verifier for cfg.
// With cfg.Discovery set, endpoints come from the issuer's discovery document.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.ClientID == "" {
		return nil, &ConfigError{Field: "provider.client_id", Reason: "is required"}
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	endpoint := oauth2.Endpoint{
		AuthURL:   cfg.AuthURL,
		TokenURL:  cfg.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	jwksURL := cfg.JWKSURL

	if cfg.Discovery {
		op, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
		}
		var meta struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := op.Claims(&meta); err != nil {
			return nil, fmt.Errorf("read discovery document: %w", err)
		}
		endpoint.AuthURL = op.Endpoint().AuthURL
		endpoint.TokenURL = op.Endpoint().TokenURL
		if jwksURL == "" {
			jwksURL = meta.JWKSURI
		}
		logger.Info("provider discovered", "provider", cfg.Name, "auth_url", endpoint.AuthURL, "token_url", endpoint.TokenURL, "jwks_url", jwksURL)
	}

	verifier := NewIDTokenVerifier(ctx, cfg.Issuer, jwksURL, cfg.ClientID, VerifierOptions{
		SigningAlgs: cfg.SigningAlgs,
		HTTPClient:  httpClient,
	})

	return &OIDCProvider{
		name: cfg.Name,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		verifier:     verifier,
		httpClient:   httpClient,
		responseMode: cfg.ResponseMode,
		logger:       logger,
	}, nil
}

// AuthCodeURL constructs the authorization request for state.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	var opts []oauth2.AuthCodeOption
	if p.responseMode != "" {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", p.responseMode))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange trades code for tokens in a single attempt.
// A non-2xx reply is returned as *ExchangeError carrying the raw body.
// A 2xx reply carrying only an id_token is accepted even though x/oauth2
// insists on an access_token.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (TokenSet, error) {
	rec := &tokenResponseRecorder{base: p.httpClient.Transport}
	if rec.base == nil {
		rec.base = http.DefaultTransport
	}
	client := &http.Client{Transport: rec, Timeout: p.httpClient.Timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			status := 0
			if rErr.Response != nil {
				status = rErr.Response.StatusCode
			}
			return TokenSet{}, &ExchangeError{StatusCode: status, Body: string(rErr.Body), Err: err}
		}
		if raw := rec.decoded(); raw != nil {
			if idToken, ok := raw["id_token"].(string); ok && idToken != "" {
				p.logger.Debug("token response without access_token", "provider", p.name)
				return tokenSetFromRaw(raw), nil
			}
		}
		return TokenSet{}, &ExchangeError{Err: err}
	}
	ts := tokenSetFrom(tok)
	ts.Raw = rec.decoded()
	return ts, nil
}

// Verify validates the identity token returned by Exchange.
func (p *OIDCProvider) Verify(ctx context.Context, rawIDToken string) (VerifiedClaims, error) {
	return p.verifier.Verify(ctx, rawIDToken)
}

// Endpoint reports the resolved authorization and token URLs.
func (p *OIDCProvider) Endpoint() oauth2.Endpoint {
	return p.oauthConfig.Endpoint
}

func tokenSetFrom(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		ts.Scope = v
	}
	return ts
}

func tokenSetFromRaw(raw map[string]any) TokenSet {
	str := func(k string) string {
		v, _ := raw[k].(string)
		return v
	}
	ts := TokenSet{
		AccessToken:  str("access_token"),
		TokenType:    str("token_type"),
		RefreshToken: str("refresh_token"),
		Scope:        str("scope"),
		IDToken:      str("id_token"),
		Raw:          raw,
	}
	if n, ok := raw["expires_in"].(json.Number); ok {
		ts.ExpiresIn, _ = n.Int64()
	}
	return ts
}
