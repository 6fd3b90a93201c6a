package config

import (
	"fmt"
	"net/url"
	"slices"

	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
)

// Validate reports every missing or malformed option at once. A failure here
// is fatal at startup; nothing is validated per request.
func (c mainConfig) Validate() error {
	var errs []error
	missing := func(name string) {
		errs = append(errs, fmt.Errorf("%w: %s is required", bfferrors.ErrMisconfigured, name))
	}
	invalid := func(name, reason string) {
		errs = append(errs, fmt.Errorf("%w: %s %s", bfferrors.ErrMisconfigured, name, reason))
	}

	required := map[string]string{
		"IDP_BASE_URL":        c.GetIdpBaseURL(),
		"CLIENT_ID":           c.GetClientID(),
		"CLIENT_SECRET":       c.GetClientSecret(),
		"REDIRECT_URI":        c.GetRedirectURI(),
		"RESPONSE_MODE":       c.GetResponseMode(),
		"DOWNSTREAM_BASE_URL": c.GetDownstreamBaseURL(),
		"DOWNSTREAM_SCOPE":    c.GetDownstreamScope(),
	}
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if required[name] == "" {
			missing(name)
		}
	}

	for name, raw := range map[string]string{
		"IDP_BASE_URL":        c.GetIdpBaseURL(),
		"REDIRECT_URI":        c.GetRedirectURI(),
		"DOWNSTREAM_BASE_URL": c.GetDownstreamBaseURL(),
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			invalid(name, "must be an absolute URL")
		}
	}

	scopes := c.GetScopes()
	switch {
	case len(scopes) == 0:
		missing("SCOPES")
	case !slices.Contains(scopes, "openid"):
		invalid("SCOPES", "must include openid")
	}

	if mode := c.GetResponseMode(); mode != "" && mode != ResponseModeQuery && mode != ResponseModeFormPost {
		invalid("RESPONSE_MODE", "must be query or form_post")
	}

	if style := c.GetTokenAuthStyle(); style != TokenAuthBasic && style != TokenAuthPost {
		invalid("TOKEN_AUTH_STYLE", "must be client_secret_basic or client_secret_post")
	}

	if secret := c.GetSessionSecret(); len(secret) == 0 {
		missing("SESSION_SECRET")
	} else if len(secret) < MinSessionSecretLength {
		invalid("SESSION_SECRET", fmt.Sprintf("must be at least %d bytes", MinSessionSecretLength))
	}

	if c.GetAuthAttemptTTL() <= 0 {
		invalid("AUTH_ATTEMPT_TTL", "must be positive")
	}
	if c.GetMaxSessionAge() <= 0 {
		invalid("SESSION_MAX_AGE", "must be positive")
	}
	if c.GetExchangeTimeout() <= 0 {
		invalid("EXCHANGE_TIMEOUT", "must be positive")
	}
	if c.GetDownstreamTimeout() <= 0 {
		invalid("DOWNSTREAM_TIMEOUT", "must be positive")
	}

	switch c.GetAttemptStore() {
	case AttemptStoreMemory:
	case AttemptStoreRedis:
		if c.GetRedisURL() == "" {
			missing("REDIS_URL")
		}
	default:
		invalid("ATTEMPT_STORE", "must be memory or redis")
	}

	return bfferrors.Join(errs...)
}
