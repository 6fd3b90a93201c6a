package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-bff/auth"
	"github.com/jrsteele09/go-bff/authflow"
	"github.com/jrsteele09/go-bff/authflow/authflowrepo"
	"github.com/jrsteele09/go-bff/downstream"
	"github.com/jrsteele09/go-bff/idp"
	"github.com/jrsteele09/go-bff/internal/config"
	"github.com/jrsteele09/go-bff/session"
	"github.com/jrsteele09/go-bff/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

type Server struct {
	env          string // Environment (e.g., "DEV", "PROD")
	mux          *http.ServeMux
	routes       []string
	config       config.Config
	auth         *auth.Service
	codec        *session.Codec
	api          *downstream.Proxy
	metrics      *Metrics
	registry     *prometheus.Registry
	limiter      *ipRateLimiter
	callbackPath string
	nowTime      func() time.Time
}

// Option customises New.
type Option func(*options)

type options struct {
	registry     *prometheus.Registry
	idpClient    *http.Client
	downstreamRT http.RoundTripper
	nowTime      func() time.Time
}

// WithRegistry collects metrics into reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithIdPHTTPClient sets the client used for discovery, exchange and revocation.
func WithIdPHTTPClient(c *http.Client) Option {
	return func(o *options) { o.idpClient = c }
}

// WithDownstreamTransport sets the round tripper of the API proxy.
func WithDownstreamTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.downstreamRT = rt }
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(o *options) { o.nowTime = nowFunc }
}

// New wires the BFF from configuration. attempts is the store for pending
// authorization attempts; its lifetime belongs to the caller.
func New(cfg config.Config, attempts authflowrepo.Repo, opts ...Option) (*Server, error) {
	o := options{nowTime: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	idpConfig := idp.Config{
		IssuerURL:       cfg.GetIdpBaseURL(),
		ClientID:        cfg.GetClientID(),
		ClientSecret:    cfg.GetClientSecret(),
		RedirectURI:     cfg.GetRedirectURI(),
		Scopes:          cfg.GetScopes(),
		ResponseMode:    cfg.GetResponseMode(),
		LogoutURL:       cfg.GetIdpLogoutURL(),
		ExchangeTimeout: cfg.GetExchangeTimeout(),
		HTTPClient:      o.idpClient,
		AuthStyle:       tokenAuthStyle(cfg.GetTokenAuthStyle()),
	}
	provider, err := idp.NewOIDCProvider(idpConfig)
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create identity provider client: %w", err)
	}

	store := authflow.NewStore(attempts, cfg.GetAuthAttemptTTL(), authflow.WithNowTime(o.nowTime))
	authService, err := auth.NewService(store, provider, auth.ServiceConfig{
		SessionMaxAge:         cfg.GetMaxSessionAge(),
		PostLogoutRedirectURI: cfg.GetAppBaseURL(),
	}, auth.WithNowTime(o.nowTime))
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create auth service: %w", err)
	}

	codec, err := session.NewCodec(cfg.GetSessionSecret(), session.WithNowTime(o.nowTime))
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create session codec: %w", err)
	}

	forwarder := downstream.NewForwarder(token.NewJWTDecoder(), downstream.NewMetrics(o.registry), downstream.WithNowTime(o.nowTime))
	api, err := downstream.NewProxy(forwarder, downstream.ProxyConfig{
		BaseURL:       cfg.GetDownstreamBaseURL(),
		RequiredScope: cfg.GetDownstreamScope(),
		StripPrefix:   RouteAPIPrefix,
		Timeout:       cfg.GetDownstreamTimeout(),
		Transport:     o.downstreamRT,
	})
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create downstream proxy: %w", err)
	}

	s := &Server{
		env:          cfg.GetEnv(),
		mux:          http.NewServeMux(),
		config:       cfg,
		auth:         authService,
		codec:        codec,
		api:          api,
		metrics:      NewMetrics(o.registry),
		registry:     o.registry,
		callbackPath: callbackPath(cfg.GetRedirectURI()),
		nowTime:      o.nowTime,
	}
	if cfg.GetEnableRateLimiting() {
		s.limiter = newIPRateLimiter(cfg.GetRateLimitRPS(), cfg.GetRateLimitBurst(), o.nowTime)
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	log.Debug().Msgf("[%-19s] %s", colouredMethod(method), path)
}

func tokenAuthStyle(style string) oauth2.AuthStyle {
	if style == config.TokenAuthPost {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}

// callbackPath serves the callback wherever REDIRECT_URI points.
func callbackPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" || u.Path == "/" {
		return RouteCallback
	}
	return u.Path
}
