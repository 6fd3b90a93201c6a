// Package idptest runs an in-process OpenID Connect provider for tests. It
// implements discovery, JWKS, an authorization endpoint that immediately
// issues a code, a PKCE-checking token endpoint, revocation and logout.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-bff/pkce"
)

const (
	ClientID     = "bff-client"
	ClientSecret = "bff-secret"
	keyID        = "idptest-key"
)

// User is the identity placed into issued ID tokens.
type User struct {
	Subject string
	Name    string
	Email   string
	Roles   []string
}

type grant struct {
	challenge   string
	nonce       string
	redirectURI string
}

// Server is a fake identity provider backed by httptest.Server.
type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu     sync.Mutex
	grants map[string]grant

	User           User
	Scope          string
	AccessTokenTTL time.Duration
	// NonceOverride replaces the nonce in issued ID tokens when set.
	NonceOverride string
	// TokenDelay stalls the token endpoint.
	TokenDelay time.Duration
	// DisableRevocation omits the revocation endpoint from discovery.
	DisableRevocation bool

	tokenCalls     atomic.Int32
	revokeCalls    atomic.Int32
	revoked        sync.Map
	lastClientAuth atomic.Value
}

// New starts a server that is closed with the test.
func New(t testing.TB) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &Server{
		key:    key,
		grants: map[string]grant{},
		User: User{
			Subject: "user-123",
			Name:    "Test User",
			Email:   "test.user@example.com",
			Roles:   []string{"user"},
		},
		Scope:          "openid profile email api.read",
		AccessTokenTTL: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /jwks", s.handleJWKS)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /revoke", s.handleRevoke)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the issuer URL to configure the client with.
func (s *Server) Issuer() string {
	return s.URL
}

// TokenCalls counts requests that reached the token endpoint.
func (s *Server) TokenCalls() int {
	return int(s.tokenCalls.Load())
}

// LastClientAuth is the client authentication method of the most recent
// token request: client_secret_basic or client_secret_post.
func (s *Server) LastClientAuth() string {
	method, _ := s.lastClientAuth.Load().(string)
	return method
}

// RevokeCalls counts requests that reached the revocation endpoint.
func (s *Server) RevokeCalls() int {
	return int(s.revokeCalls.Load())
}

// IsRevoked reports whether token was revoked.
func (s *Server) IsRevoked(token string) bool {
	_, ok := s.revoked.Load(token)
	return ok
}

// IssueCode registers an authorization code directly, bypassing /authorize.
func (s *Server) IssueCode(challenge, nonce, redirectURI string) string {
	code := uuid.NewString()
	s.mu.Lock()
	s.grants[code] = grant{challenge: challenge, nonce: nonce, redirectURI: redirectURI}
	s.mu.Unlock()
	return code
}

// SignAccessToken returns a signed JWT access token with the given claims.
func (s *Server) SignAccessToken(claims map[string]any) string {
	raw, err := s.sign(claims)
	if err != nil {
		panic(err)
	}
	return raw
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"jwks_uri":                              s.URL + "/jwks",
		"end_session_endpoint":                  s.URL + "/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{pkce.MethodS256},
	}
	if !s.DisableRevocation {
		doc["revocation_endpoint"] = s.URL + "/revoke"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

// handleAuthorize skips any login UI and redirects straight back with a code.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != ClientID || q.Get("response_type") != "code" || redirectURI == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != pkce.MethodS256 || q.Get("code_challenge") == "" {
		http.Error(w, "invalid_request: pkce required", http.StatusBadRequest)
		return
	}

	code := s.IssueCode(q.Get("code_challenge"), q.Get("nonce"), redirectURI)
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	back := target.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenCalls.Add(1)
	if s.TokenDelay > 0 {
		select {
		case <-time.After(s.TokenDelay):
		case <-r.Context().Done():
			return
		}
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		s.lastClientAuth.Store("client_secret_basic")
	} else {
		s.lastClientAuth.Store("client_secret_post")
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != ClientID || clientSecret != ClientSecret {
		w.Header().Set("WWW-Authenticate", `Basic realm="idptest"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthError(w, "unsupported_grant_type")
		return
	}

	code := r.PostForm.Get("code")
	s.mu.Lock()
	g, found := s.grants[code]
	delete(s.grants, code)
	s.mu.Unlock()
	if !found || g.redirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, "invalid_grant")
		return
	}
	if !pkce.Verify(r.PostForm.Get("code_verifier"), g.challenge) {
		oauthError(w, "invalid_grant")
		return
	}

	now := time.Now()
	nonce := g.nonce
	if s.NonceOverride != "" {
		nonce = s.NonceOverride
	}
	idToken, err := s.sign(map[string]any{
		"iss":   s.URL,
		"sub":   s.User.Subject,
		"aud":   ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
		"name":  s.User.Name,
		"email": s.User.Email,
		"roles": s.User.Roles,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	accessToken, err := s.sign(map[string]any{
		"iss":   s.URL,
		"sub":   s.User.Subject,
		"aud":   "api",
		"iat":   now.Unix(),
		"exp":   now.Add(s.AccessTokenTTL).Unix(),
		"scope": s.Scope,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(s.AccessTokenTTL.Seconds()),
		"refresh_token": uuid.NewString(),
		"id_token":      idToken,
		"scope":         s.Scope,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.revokeCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != ClientID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	s.revoked.Store(r.PostForm.Get("token"), struct{}{})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sign(claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: s.key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func oauthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
