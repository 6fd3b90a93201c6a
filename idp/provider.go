// Package idp talks to the OpenID Connect identity provider: discovery,
// authorization URLs, the code exchange, ID token verification, logout and
// revocation endpoints. Signature verification is delegated to go-oidc.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-bff/internal/utils"
	"github.com/jrsteele09/go-bff/pkce"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnavailable covers discovery failures, network errors and timeouts.
	ErrUnavailable = errors.New("identity provider unavailable")
	// ErrExchangeRejected means the token endpoint answered with an OAuth error.
	ErrExchangeRejected = errors.New("token endpoint rejected the exchange")
	// ErrInvalidIDToken means the response had no usable ID token.
	ErrInvalidIDToken = errors.New("invalid id token")
)

// defaultLogoutPath is appended to the issuer when neither discovery nor
// configuration names a logout endpoint.
const defaultLogoutPath = "/oauth2/logout"

// AuthorizationRequest carries the per-attempt values of an authorization URL.
type AuthorizationRequest struct {
	State         string
	Nonce         string
	CodeChallenge string
}

// Identity is the verified content of the ID token.
type Identity struct {
	Subject string
	Name    string
	Email   string
	Roles   []string
	Nonce   string
}

// Tokens is the outcome of a successful code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Identity     Identity
}

// Provider is the identity provider as seen by the auth service.
type Provider interface {
	AuthCodeURL(ctx context.Context, req AuthorizationRequest) (string, error)
	Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error)
	EndSessionURL(ctx context.Context, postLogoutRedirectURI string) string
	Revoke(ctx context.Context, accessToken string) error
	Ready(ctx context.Context) error
}

// Config holds the static client registration.
type Config struct {
	IssuerURL       string
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	Scopes          []string
	ResponseMode    string
	LogoutURL       string
	ExchangeTimeout time.Duration
	HTTPClient      *http.Client
	// AuthStyle is how client credentials reach the token endpoint. The zero
	// value selects HTTP basic auth; x/oauth2's auto-detection is never used
	// because it resends a rejected, single-use code.
	AuthStyle oauth2.AuthStyle
}

type discovery struct {
	oauth2             *oauth2.Config
	verifier           *oidc.IDTokenVerifier
	endSessionEndpoint string
	revocationEndpoint string
}

// OIDCProvider implements Provider with go-oidc and x/oauth2. Discovery is
// lazy, cached on success and retried on the next call after a failure.
type OIDCProvider struct {
	cfg   Config
	mu    sync.RWMutex
	disc  *discovery
	group singleflight.Group
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider validates the static configuration; it does not contact
// the identity provider.
func NewOIDCProvider(cfg Config) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("[idp NewOIDCProvider] issuer, client id and redirect uri are required")
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 10 * time.Second
	}
	if cfg.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.AuthStyle = oauth2.AuthStyleInHeader
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ExchangeTimeout}
	}
	return &OIDCProvider{cfg: cfg}, nil
}

func (p *OIDCProvider) discover(ctx context.Context) (*discovery, error) {
	p.mu.RLock()
	d := p.disc
	p.mu.RUnlock()
	if d != nil {
		return d, nil
	}

	v, err, _ := p.group.Do("discovery", func() (any, error) {
		dctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.cfg.HTTPClient), p.cfg.ExchangeTimeout)
		defer cancel()

		provider, err := oidc.NewProvider(dctx, p.cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("%w: discovery: %v", ErrUnavailable, err)
		}

		var extra struct {
			EndSessionEndpoint string `json:"end_session_endpoint"`
			RevocationEndpoint string `json:"revocation_endpoint"`
		}
		if err := provider.Claims(&extra); err != nil {
			return nil, fmt.Errorf("%w: discovery claims: %v", ErrUnavailable, err)
		}

		endpoint := provider.Endpoint()
		endpoint.AuthStyle = p.cfg.AuthStyle

		d := &discovery{
			oauth2: &oauth2.Config{
				ClientID:     p.cfg.ClientID,
				ClientSecret: p.cfg.ClientSecret,
				Endpoint:     endpoint,
				RedirectURL:  p.cfg.RedirectURI,
				Scopes:       p.cfg.Scopes,
			},
			verifier:           provider.Verifier(&oidc.Config{ClientID: p.cfg.ClientID}),
			endSessionEndpoint: extra.EndSessionEndpoint,
			revocationEndpoint: extra.RevocationEndpoint,
		}
		p.mu.Lock()
		p.disc = d
		p.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*discovery), nil
}

// Ready reports whether discovery succeeds.
func (p *OIDCProvider) Ready(ctx context.Context) error {
	_, err := p.discover(ctx)
	return err
}

// AuthCodeURL builds the authorization endpoint URL. Only state, nonce and
// code challenge vary per request; everything else is configuration.
func (p *OIDCProvider) AuthCodeURL(ctx context.Context, req AuthorizationRequest) (string, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oidc.Nonce(req.Nonce),
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	}
	if p.cfg.ResponseMode != "" && p.cfg.ResponseMode != "query" {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", p.cfg.ResponseMode))
	}
	return d.oauth2.AuthCodeURL(req.State, opts...), nil
}

// Exchange redeems code with the stored verifier and verifies the returned
// ID token. The call is bounded by the exchange timeout and never retried:
// the code is single use at the identity provider.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExchangeTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, p.cfg.HTTPClient)

	tok, err := d.oauth2.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", ErrExchangeRejected, retrieveErr.ErrorCode)
		}
		return nil, fmt.Errorf("%w: exchange: %v", ErrUnavailable, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in response", ErrInvalidIDToken)
	}
	idToken, err := d.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	var claims struct {
		Nonce             string `json:"nonce"`
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Roles             any    `json:"roles"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidIDToken, err)
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	if name == "" {
		name = claims.Email
	}

	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Identity: Identity{
			Subject: idToken.Subject,
			Name:    name,
			Email:   claims.Email,
			Roles:   utils.ClaimStrings(claims.Roles),
			Nonce:   claims.Nonce,
		},
	}, nil
}

// EndSessionURL returns the identity provider logout URL. It never fails:
// when discovery is unavailable the configured fallback is used.
func (p *OIDCProvider) EndSessionURL(ctx context.Context, postLogoutRedirectURI string) string {
	endpoint := p.cfg.LogoutURL
	if d, err := p.discover(ctx); err == nil && d.endSessionEndpoint != "" {
		endpoint = d.endSessionEndpoint
	}
	if endpoint == "" {
		endpoint = strings.TrimSuffix(p.cfg.IssuerURL, "/") + defaultLogoutPath
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	q.Set("client_id", p.cfg.ClientID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Revoke asks the revocation endpoint (RFC 7009) to revoke accessToken.
// Providers without one are silently skipped.
func (p *OIDCProvider) Revoke(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	d, err := p.discover(ctx)
	if err != nil {
		return err
	}
	if d.revocationEndpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExchangeTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("token_type_hint", "access_token")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.revocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("[idp Revoke] build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("[idp Revoke] revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}
