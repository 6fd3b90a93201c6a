package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/jrsteele09/go-bff/session"
	"github.com/rs/zerolog/log"
)

// Realm is advertised in WWW-Authenticate on rejected calls.
const Realm = "BFF"

type bearerKey struct{}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	BaseURL       string
	RequiredScope string
	// StripPrefix is removed from the request path before forwarding.
	StripPrefix string
	Timeout     time.Duration
	Transport   http.RoundTripper
}

// Proxy forwards authorized requests to the downstream API with the
// session's bearer token. Rejected requests never leave the process.
type Proxy struct {
	forwarder *Forwarder
	cfg       ProxyConfig
	reverse   *httputil.ReverseProxy
}

// NewProxy builds the reverse proxy for cfg.BaseURL.
func NewProxy(forwarder *Forwarder, cfg ProxyConfig) (*Proxy, error) {
	target, err := url.Parse(cfg.BaseURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("[downstream NewProxy] invalid base url %q: %w", cfg.BaseURL, bfferrors.ErrMisconfigured)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	p := &Proxy{forwarder: forwarder, cfg: cfg}
	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Work on the escaped form so %2F stays inside its segment.
			escaped := strings.TrimPrefix(pr.In.URL.EscapedPath(), cfg.StripPrefix)
			if unescaped, err := url.PathUnescape(escaped); err == nil {
				pr.Out.URL.Path = unescaped
				pr.Out.URL.RawPath = escaped
			}
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Authorization")
			if bearer, ok := pr.In.Context().Value(bearerKey{}).(string); ok {
				pr.Out.Header.Set("Authorization", "Bearer "+bearer)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			// Cookies and CORS on this origin belong to the BFF.
			resp.Header.Del("Set-Cookie")
			for _, h := range []string{
				"Access-Control-Allow-Origin",
				"Access-Control-Allow-Credentials",
				"Access-Control-Allow-Methods",
				"Access-Control-Allow-Headers",
			} {
				resp.Header.Del(h)
			}
			return nil
		},
		ErrorHandler: p.upstreamError,
		Transport:    cfg.Transport,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bearer, err := p.forwarder.AuthorizeDownstreamCall(session.FromContext(r.Context()), p.cfg.RequiredScope)
	if err != nil {
		WriteRejection(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, bearerKey{}, bearer)
	p.reverse.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	p.forwarder.metrics.upstreamErrors.Inc()
	if errors.Is(r.Context().Err(), context.Canceled) {
		// client went away
		return
	}
	log.Err(err).Str("path", r.URL.Path).Msg("downstream call failed")
	writeError(w, http.StatusBadGateway, "bad_gateway", "The downstream service is unavailable.")
}

// WriteRejection answers a failed authorization: 403 for a missing scope,
// 401 with a Bearer challenge otherwise.
func WriteRejection(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bfferrors.ErrMissingScope):
		writeError(w, http.StatusForbidden, "missing_scope", "The session is not allowed to perform this call.")
	case errors.Is(err, bfferrors.ErrTokenExpired):
		writeChallenge(w, "token_expired", "The session has expired. Please sign in again.")
	case errors.Is(err, bfferrors.ErrNoSession):
		writeChallenge(w, "unauthenticated", "Sign in required.")
	default:
		writeChallenge(w, "invalid_token", "Sign in required.")
	}
}

func writeChallenge(w http.ResponseWriter, code, message string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", Realm))
	writeError(w, http.StatusUnauthorized, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
