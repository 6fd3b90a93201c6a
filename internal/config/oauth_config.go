package config

import (
	"strings"
	"time"
)

const (
	idpBaseURLVar      = "idp_base_url"
	idpLogoutURLVar    = "idp_logout_url"
	clientIDVar        = "client_id"
	clientSecretVar    = "client_secret"
	redirectURIVar     = "redirect_uri"
	scopesVar          = "scopes"
	responseModeVar    = "response_mode"
	authAttemptTTLVar  = "auth_attempt_ttl"
	exchangeTimeoutVar = "exchange_timeout"
	tokenAuthStyleVar  = "token_auth_style"
)

// Response modes accepted for the authorization response.
const (
	ResponseModeQuery    = "query"
	ResponseModeFormPost = "form_post"
)

// Client authentication methods at the token endpoint.
const (
	TokenAuthBasic = "client_secret_basic"
	TokenAuthPost  = "client_secret_post"
)

type OAuthConfig interface {
	GetIdpBaseURL() string
	GetIdpLogoutURL() string
	GetClientID() string
	GetClientSecret() string
	GetRedirectURI() string
	GetScopes() []string
	GetResponseMode() string
	GetAuthAttemptTTL() time.Duration
	GetExchangeTimeout() time.Duration
	GetTokenAuthStyle() string
}

type OAuth struct{ source }

var _ OAuthConfig = OAuth{}

// GetIdpBaseURL is the issuer. It is used verbatim because discovery
// requires an exact issuer match.
func (o OAuth) GetIdpBaseURL() string {
	return o.getString(idpBaseURLVar)
}

// GetIdpLogoutURL is only consulted when discovery does not advertise an
// end_session_endpoint.
func (o OAuth) GetIdpLogoutURL() string {
	return o.getString(idpLogoutURLVar)
}

func (o OAuth) GetClientID() string {
	return o.getString(clientIDVar)
}

func (o OAuth) GetClientSecret() string {
	return o.getString(clientSecretVar)
}

func (o OAuth) GetRedirectURI() string {
	return o.getString(redirectURIVar)
}

// GetScopes splits the space-delimited scope option.
func (o OAuth) GetScopes() []string {
	return strings.Fields(o.getString(scopesVar))
}

func (o OAuth) GetResponseMode() string {
	return o.getString(responseModeVar)
}

func (o OAuth) GetAuthAttemptTTL() time.Duration {
	return o.v.GetDuration(authAttemptTTLVar)
}

func (o OAuth) GetExchangeTimeout() time.Duration {
	return o.v.GetDuration(exchangeTimeoutVar)
}

// GetTokenAuthStyle is how client credentials reach the token endpoint.
func (o OAuth) GetTokenAuthStyle() string {
	return o.getString(tokenAuthStyleVar)
}
