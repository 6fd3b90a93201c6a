package server

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) initRoutes() {
	// AUTH
	s.RegisterRouteHandler("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.AuthMiddleware()...))
	s.RegisterRouteHandler("GET "+s.callbackPath, ChainMiddleware(s.CallbackHandler(), s.AuthMiddleware()...))
	s.RegisterRouteHandler("POST "+s.callbackPath, ChainMiddleware(s.CallbackHandler(), s.AuthMiddleware()...)) // For form_post response mode
	s.RegisterRouteHandler("GET "+RouteAuthStatus, ChainMiddleware(s.StatusHandler(), s.APIMiddleware(s.NoStoreMiddleware, s.SessionMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware(s.NoStoreMiddleware, s.SessionMiddleware)...))

	// Downstream API, any method
	s.RegisterRouteHandler(RouteAPI, ChainMiddleware(s.api.ServeHTTP, s.APIMiddleware(s.SessionMiddleware)...))

	// Operational
	s.RegisterRouteFunc("GET "+RouteHealthz, ChainMiddleware(s.HealthzHandler(), s.LoggingMiddleware))
	s.RegisterRouteFunc("GET "+RouteReadyz, ChainMiddleware(s.ReadyzHandler(), s.LoggingMiddleware))
	s.RegisterRouteHandler("GET "+RouteMetrics, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
}
