package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-bff/authflow/authflowrepo"
	"github.com/jrsteele09/go-bff/internal/config"
	"github.com/jrsteele09/go-bff/internal/idptest"
	"github.com/jrsteele09/go-bff/server"
	"github.com/jrsteele09/go-bff/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testRedirectURI = "https://bff.example.com/callback"
	testSecret      = "0123456789abcdef0123456789abcdef-test-secret"
	testAPIScope    = "api.read"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type downstreamAPI struct {
	*httptest.Server
	hits       atomic.Int32
	authHeader atomic.Value
	cookie     atomic.Value
}

type testEnv struct {
	fake  *idptest.Server
	api   *downstreamAPI
	srv   *server.Server
	clock *testClock
	reg   *prometheus.Registry
}

func newDownstreamAPI(t *testing.T) *downstreamAPI {
	t.Helper()
	api := &downstreamAPI{}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.hits.Add(1)
		api.authHeader.Store(r.Header.Get("Authorization"))
		api.cookie.Store(r.Header.Get("Cookie"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(api.Close)
	return api
}

// newTestEnv wires a server against a fake identity provider and a fake
// downstream API. settings adjust the configuration before validation.
func newTestEnv(t *testing.T, settings ...func(v *viper.Viper)) *testEnv {
	t.Helper()
	fake := idptest.New(t)
	api := newDownstreamAPI(t)

	v := viper.New()
	v.Set("env", "TEST")
	v.Set("idp_base_url", fake.Issuer())
	v.Set("client_id", idptest.ClientID)
	v.Set("client_secret", idptest.ClientSecret)
	v.Set("redirect_uri", testRedirectURI)
	v.Set("scopes", "openid profile email")
	v.Set("response_mode", config.ResponseModeQuery)
	v.Set("downstream_base_url", api.URL)
	v.Set("downstream_scope", testAPIScope)
	v.Set("session_secret", testSecret)
	v.Set("allowed_origins", "https://app.example.com")
	for _, s := range settings {
		s(v)
	}
	cfg := config.New(v)
	require.NoError(t, cfg.Validate())

	repo := authflowrepo.NewInMemoryRepo()
	t.Cleanup(func() { _ = repo.Close() })

	clock := &testClock{now: time.Now()}
	reg := prometheus.NewRegistry()
	srv, err := server.New(cfg, repo,
		server.WithRegistry(reg),
		server.WithNowTime(clock.Now),
	)
	require.NoError(t, err)

	return &testEnv{fake: fake, api: api, srv: srv, clock: clock, reg: reg}
}

// browser keeps cookies across requests the way a user agent would. Cookies
// are Secure, so they are replayed by hand instead of through a cookie jar.
type browser struct {
	t       *testing.T
	env     *testEnv
	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

func (e *testEnv) newBrowser(t *testing.T) *browser {
	return &browser{t: t, env: e, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	b.mu.Lock()
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	b.mu.Unlock()

	rec := httptest.NewRecorder()
	b.env.srv.ServeHTTP(rec, req)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (b *browser) post(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodPost, target, nil))
}

func (b *browser) cookie(name string) *http.Cookie {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cookies[name]
}

// startLogin hits /auth/login and lets the identity provider answer. It
// returns the query the provider sends back to the redirect URI.
func (b *browser) startLogin(returnURL string) url.Values {
	b.t.Helper()
	rec := b.get(server.RouteAuthLogin + "?" + url.Values{server.QueryReturnURL: {returnURL}}.Encode())
	require.Equal(b.t, http.StatusFound, rec.Code)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(rec.Header().Get("Location"))
	require.NoError(b.t, err)
	defer resp.Body.Close()
	require.Equal(b.t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(b.t, err)
	require.Equal(b.t, testRedirectURI, loc.Scheme+"://"+loc.Host+loc.Path)
	return loc.Query()
}

func (b *browser) callback(query url.Values) *httptest.ResponseRecorder {
	return b.get(server.RouteCallback + "?" + query.Encode())
}

func (b *browser) login(returnURL string) {
	b.t.Helper()
	rec := b.callback(b.startLogin(returnURL))
	require.Equal(b.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginRedirect(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	rec := b.get(server.RouteAuthLogin + "?returnUrl=/reports")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u.String(), env.fake.Issuer()+"/authorize?"))
	q := u.Query()
	require.Equal(t, idptest.ClientID, q.Get("client_id"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "openid profile email", q.Get("scope"))
	require.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("state"))
	require.NotEmpty(t, q.Get("nonce"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Empty(t, q.Get("response_mode"))

	binding := findCookie(rec, server.BindingCookieName)
	require.NotNil(t, binding)
	require.True(t, binding.HttpOnly)
	require.True(t, binding.Secure)
	require.Equal(t, http.SameSiteLaxMode, binding.SameSite)
	require.Equal(t, 600, binding.MaxAge)

	// A second login from the same browser keeps the binding.
	rec = b.get(server.RouteAuthLogin)
	require.Equal(t, binding.Value, findCookie(rec, server.BindingCookieName).Value)
}

func TestLoginCallbackStatusAndAPI(t *testing.T) {
	env := newTestEnv(t)
	env.fake.User.Roles = []string{"reader", "writer"}
	b := env.newBrowser(t)

	rec := b.callback(b.startLogin("/dashboard?tab=1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, map[string]any{"isAuthenticated": true, "returnUrl": "/dashboard?tab=1"}, decodeBody(t, rec))

	sessionCookie := findCookie(rec, session.CookieName)
	require.NotNil(t, sessionCookie)
	require.True(t, sessionCookie.HttpOnly)
	require.True(t, sessionCookie.Secure)
	require.Equal(t, http.SameSiteStrictMode, sessionCookie.SameSite)
	require.Equal(t, "/", sessionCookie.Path)
	require.NotContains(t, sessionCookie.Value, ".eyJ", "bearer token must not be readable in the cookie")
	require.Equal(t, "client_secret_basic", env.fake.LastClientAuth())

	binding := findCookie(rec, server.BindingCookieName)
	require.NotNil(t, binding)
	require.Equal(t, -1, binding.MaxAge)

	rec = b.get(server.RouteAuthStatus)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	require.Equal(t, true, status["isAuthenticated"])
	require.Equal(t, "user-123", status["sub"])
	require.Equal(t, "Test User", status["name"])
	require.Equal(t, "test.user@example.com", status["email"])
	require.Equal(t, []any{"reader", "writer"}, status["roles"])
	require.NotEmpty(t, status["expiresAt"])

	rec = b.get("/api/orders/42?expand=lines")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"path":"/orders/42"}`, rec.Body.String())
	require.Equal(t, int32(1), env.api.hits.Load())
	require.True(t, strings.HasPrefix(env.api.authHeader.Load().(string), "Bearer ey"))
	require.Empty(t, env.api.cookie.Load())
}

func TestCallback_UnknownStateNeverExchanges(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	query := b.startLogin("/")
	query.Set("state", "forged-state")

	rec := b.callback(query)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_or_replayed_state", decodeBody(t, rec)["error"])
	require.Nil(t, findCookie(rec, session.CookieName))
	require.Equal(t, 0, env.fake.TokenCalls())
}

func TestCallback_ConcurrentReplay(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	query := b.startLogin("/")

	var codes [2]int
	var g errgroup.Group
	for i := range codes {
		g.Go(func() error {
			codes[i] = b.callback(query).Code
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.ElementsMatch(t, []int{http.StatusOK, http.StatusBadRequest}, codes[:])
	require.Equal(t, 1, env.fake.TokenCalls())
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name   string
		query  func(b *browser) url.Values
		other      bool
		status     int
		code       string
		tokenCalls int
	}{
		{
			name: "access denied",
			query: func(b *browser) url.Values {
				q := b.startLogin("/")
				return url.Values{"state": {q.Get("state")}, "error": {"access_denied"}, "error_description": {"User declined"}}
			},
			status: http.StatusBadRequest,
			code:   "authorization_denied",
		},
		{
			name: "missing code",
			query: func(b *browser) url.Values {
				return url.Values{"state": {b.startLogin("/").Get("state")}}
			},
			status: http.StatusBadRequest,
			code:   "malformed_callback",
		},
		{
			name:   "callback in a different browser",
			query:  func(b *browser) url.Values { return b.startLogin("/") },
			other:  true,
			status: http.StatusBadRequest,
			code:   "invalid_or_replayed_state",
		},
		{
			name: "code not accepted by the identity provider",
			query: func(b *browser) url.Values {
				q := b.startLogin("/")
				q.Set("code", "forged")
				return q
			},
			status:     http.StatusBadRequest,
			code:       "token_exchange_failed",
			tokenCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.newBrowser(t)
			query := tt.query(b)
			if tt.other {
				b = env.newBrowser(t)
			}

			rec := b.callback(query)
			require.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, tt.code, body["error"])
			require.NotEmpty(t, body["message"])
			require.Nil(t, findCookie(rec, session.CookieName))
			require.Equal(t, tt.tokenCalls, env.fake.TokenCalls())

			rec = b.get(server.RouteAuthStatus)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCallback_FormPost(t *testing.T) {
	env := newTestEnv(t, func(v *viper.Viper) { v.Set("response_mode", config.ResponseModeFormPost) })
	b := env.newBrowser(t)

	rec := b.get(server.RouteAuthLogin)
	require.Equal(t, http.StatusFound, rec.Code)
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "form_post", u.Query().Get("response_mode"))
	require.Equal(t, http.SameSiteNoneMode, findCookie(rec, server.BindingCookieName).SameSite)

	code := env.fake.IssueCode(u.Query().Get("code_challenge"), u.Query().Get("nonce"), testRedirectURI)
	form := url.Values{"code": {code}, "state": {u.Query().Get("state")}}
	req := httptest.NewRequest(http.MethodPost, server.RouteCallback, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec = b.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, findCookie(rec, session.CookieName))
}

func TestStatus_Anonymous(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newBrowser(t).get(server.RouteAuthStatus)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Bearer realm="BFF"`, rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, "unauthenticated", decodeBody(t, rec)["error"])
}

func TestSession_Expiry(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("/")

	env.clock.Advance(29 * time.Minute)
	require.Equal(t, http.StatusOK, b.get(server.RouteAuthStatus).Code)

	env.clock.Advance(2 * time.Minute)
	rec := b.get(server.RouteAuthStatus)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	cleared := findCookie(rec, session.CookieName)
	require.NotNil(t, cleared)
	require.Equal(t, -1, cleared.MaxAge)
}

func TestSession_TamperedCookie(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("/")

	c := b.cookie(session.CookieName)
	require.NotNil(t, c)
	b.cookies[session.CookieName] = &http.Cookie{Name: c.Name, Value: c.Value[:len(c.Value)-4] + "AAAA"}

	require.Equal(t, http.StatusUnauthorized, b.get(server.RouteAuthStatus).Code)
}

func TestAPI_Rejections(t *testing.T) {
	t.Run("missing scope never reaches downstream", func(t *testing.T) {
		env := newTestEnv(t, func(v *viper.Viper) { v.Set("downstream_scope", "admin.write") })
		b := env.newBrowser(t)
		b.login("/")

		rec := b.get("/api/orders")
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "missing_scope", decodeBody(t, rec)["error"])
		require.Equal(t, int32(0), env.api.hits.Load())
	})

	t.Run("expired access token regardless of scope", func(t *testing.T) {
		env := newTestEnv(t, func(v *viper.Viper) { v.Set("session_max_age", "3h") })
		b := env.newBrowser(t)
		b.login("/")

		env.clock.Advance(2 * time.Hour)
		rec := b.get("/api/orders")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "token_expired", decodeBody(t, rec)["error"])
		require.Equal(t, `Bearer realm="BFF"`, rec.Header().Get("WWW-Authenticate"))
		require.Equal(t, int32(0), env.api.hits.Load())
	})

	t.Run("anonymous", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.newBrowser(t).do(httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{}`)))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, int32(0), env.api.hits.Load())
	})
}

func TestLogout(t *testing.T) {
	t.Run("with session", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.newBrowser(t)
		b.login("/")

		rec := b.post(server.RouteAuthLogout)
		require.Equal(t, http.StatusFound, rec.Code)
		u, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		require.Equal(t, "/logout", u.Path)
		require.Equal(t, "https://bff.example.com/", u.Query().Get("post_logout_redirect_uri"))
		require.Equal(t, idptest.ClientID, u.Query().Get("client_id"))

		cleared := findCookie(rec, session.CookieName)
		require.NotNil(t, cleared)
		require.Equal(t, -1, cleared.MaxAge)
		require.True(t, cleared.Expires.Before(time.Now()))
		require.Equal(t, 1, env.fake.RevokeCalls())

		require.Equal(t, http.StatusUnauthorized, b.get(server.RouteAuthStatus).Code)
	})

	t.Run("without session is idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.newBrowser(t)

		first := b.post(server.RouteAuthLogout)
		second := b.post(server.RouteAuthLogout)
		for _, rec := range []*httptest.ResponseRecorder{first, second} {
			require.Equal(t, http.StatusFound, rec.Code)
			require.NotNil(t, findCookie(rec, session.CookieName))
		}
		require.Equal(t, first.Header().Get("Location"), second.Header().Get("Location"))
		require.Equal(t, 0, env.fake.RevokeCalls())
	})
}

func TestOperationalRoutes(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	rec := b.get(server.RouteHealthz)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = b.get(server.RouteReadyz)
	require.Equal(t, http.StatusOK, rec.Code)

	b.login("/")
	rec = b.get(server.RouteMetrics)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `bff_callbacks_total{outcome="success"} 1`)
	require.Contains(t, string(body), `bff_login_redirects_total 1`)
}

type downRepo struct{ authflowrepo.Repo }

func (downRepo) Ping(context.Context) error { return context.DeadlineExceeded }

func TestReadyz_StoreDown(t *testing.T) {
	fake := idptest.New(t)
	v := viper.New()
	v.Set("idp_base_url", fake.Issuer())
	v.Set("client_id", idptest.ClientID)
	v.Set("client_secret", idptest.ClientSecret)
	v.Set("redirect_uri", testRedirectURI)
	v.Set("scopes", "openid")
	v.Set("response_mode", "query")
	v.Set("downstream_base_url", "https://api.example.com")
	v.Set("downstream_scope", testAPIScope)
	v.Set("session_secret", testSecret)

	srv, err := server.New(config.New(v), downRepo{}, server.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, server.RouteReadyz, nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware(t *testing.T) {
	t.Run("request id and security headers", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodGet, server.RouteAuthStatus, nil)
		req.Header.Set(server.HeaderRequestID, "req-42")
		rec := env.newBrowser(t).do(req)

		require.Equal(t, "req-42", rec.Header().Get(server.HeaderRequestID))
		require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		require.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))

		rec = env.newBrowser(t).get(server.RouteAuthStatus)
		require.NotEmpty(t, rec.Header().Get(server.HeaderRequestID))
	})

	t.Run("cors preflight", func(t *testing.T) {
		env := newTestEnv(t)
		for origin, allowed := range map[string]bool{"https://app.example.com": true, "https://evil.example.com": false} {
			req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
			req.Header.Set("Origin", origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			rec := env.newBrowser(t).do(req)

			require.Equal(t, http.StatusNoContent, rec.Code)
			if allowed {
				require.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"))
				require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
			} else {
				require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			}
		}
		require.Equal(t, int32(0), env.api.hits.Load())
	})

	t.Run("rate limit on login", func(t *testing.T) {
		env := newTestEnv(t, func(v *viper.Viper) {
			v.Set("enable_rate_limiting", true)
			v.Set("rate_limit_rps", 0.001)
			v.Set("rate_limit_burst", 2)
		})
		b := env.newBrowser(t)
		require.Equal(t, http.StatusFound, b.get(server.RouteAuthLogin).Code)
		require.Equal(t, http.StatusFound, b.get(server.RouteAuthLogin).Code)

		rec := b.get(server.RouteAuthLogin)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, "rate_limited", decodeBody(t, rec)["error"])
	})
}

func TestLogin_OpenRedirectIsNeutralised(t *testing.T) {
	for _, returnURL := range []string{"https://evil.example.com/", "//evil.example.com", "javascript:alert(1)"} {
		t.Run(returnURL, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.newBrowser(t)
			rec := b.callback(b.startLogin(returnURL))
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "/", decodeBody(t, rec)["returnUrl"])
		})
	}
}
