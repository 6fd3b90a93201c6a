package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth Routes
	RouteAuthLogin  = "/auth/login"
	RouteAuthStatus = "/auth/status"
	RouteAuthLogout = "/auth/logout"
	// RouteCallback is used when REDIRECT_URI has no path of its own.
	RouteCallback = "/callback"

	// Downstream API, proxied with the session's bearer token
	RouteAPIPrefix = "/api"
	RouteAPI       = RouteAPIPrefix + "/{path...}"

	// Operational Routes
	RouteHealthz = "/healthz"
	RouteReadyz  = "/readyz"
	RouteMetrics = "/metrics"
)

// Query and cookie names used by the auth routes.
const (
	QueryReturnURL     = "returnUrl"
	BindingCookieName  = "bff_auth_attempt"
	HeaderRequestID    = "X-Request-ID"
	contentTypeJSON    = "application/json; charset=utf-8"
	maxRequestIDLength = 64
)
