package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jrsteele09/go-bff/auth"
	"github.com/jrsteele09/go-bff/authflow"
	"github.com/jrsteele09/go-bff/authflow/authflowrepo"
	"github.com/jrsteele09/go-bff/idp"
	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/jrsteele09/go-bff/internal/idptest"
	"github.com/jrsteele09/go-bff/session"
	"github.com/stretchr/testify/require"
)

const (
	testRedirectURI   = "https://bff.example.com/callback"
	testLandingPage   = "https://app.example.com/"
	testBinding       = "binding-of-browser-a"
	testOtherBinding  = "binding-of-browser-b"
	testSessionMaxAge = 20 * time.Minute
)

type testFixture struct {
	fake     *idptest.Server
	provider *idp.OIDCProvider
	service  *auth.Service
	now      time.Time
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	fake := idptest.New(t)
	provider, err := idp.NewOIDCProvider(idp.Config{
		IssuerURL:       fake.Issuer(),
		ClientID:        idptest.ClientID,
		ClientSecret:    idptest.ClientSecret,
		RedirectURI:     testRedirectURI,
		Scopes:          []string{"openid", "profile", "email"},
		ExchangeTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)

	repo := authflowrepo.NewInMemoryRepo()
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, err := auth.NewService(authflow.NewStore(repo, 0), provider, auth.ServiceConfig{
		SessionMaxAge:         testSessionMaxAge,
		PostLogoutRedirectURI: testLandingPage,
	}, auth.WithNowTime(func() time.Time { return now }))
	require.NoError(t, err)

	return &testFixture{fake: fake, provider: provider, service: service, now: now}
}

// authorize plays the browser: it follows BuildRedirect to the identity
// provider and returns what the provider sends back to the redirect URI.
func (f *testFixture) authorize(t *testing.T, binding, returnURL string) auth.CallbackParams {
	t.Helper()
	authURL, err := f.service.BuildRedirect(context.Background(), binding, returnURL)
	require.NoError(t, err)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testRedirectURI, loc.Scheme+"://"+loc.Host+loc.Path)
	return auth.CallbackParams{Code: loc.Query().Get("code"), State: loc.Query().Get("state")}
}

func requireCallbackError(t *testing.T, err error, code string, status int) *auth.CallbackError {
	t.Helper()
	var cbErr *auth.CallbackError
	require.True(t, errors.As(err, &cbErr), "expected *auth.CallbackError, got %v", err)
	require.Equal(t, code, cbErr.Code)
	require.Equal(t, status, cbErr.Status)
	require.NotEmpty(t, cbErr.Message())
	return cbErr
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := auth.NewService(nil, nil, auth.ServiceConfig{})
	require.Error(t, err)
}

func TestBuildRedirect(t *testing.T) {
	f := setupTestFixture(t)

	first, err := f.service.BuildRedirect(context.Background(), testBinding, "/")
	require.NoError(t, err)
	second, err := f.service.BuildRedirect(context.Background(), testBinding, "/")
	require.NoError(t, err)

	u1, err := url.Parse(first)
	require.NoError(t, err)
	u2, err := url.Parse(second)
	require.NoError(t, err)

	for _, param := range []string{"state", "nonce", "code_challenge"} {
		require.NotEmpty(t, u1.Query().Get(param), param)
		require.NotEqual(t, u1.Query().Get(param), u2.Query().Get(param), param)
	}
	for _, param := range []string{"client_id", "redirect_uri", "scope", "response_type", "code_challenge_method"} {
		require.Equal(t, u1.Query().Get(param), u2.Query().Get(param), param)
	}
}

func TestHandleCallback_Success(t *testing.T) {
	f := setupTestFixture(t)
	f.fake.User.Roles = []string{"reader"}

	params := f.authorize(t, testBinding, "/reports?page=2")
	sess, returnURL, err := f.service.HandleCallback(context.Background(), params, testBinding)
	require.NoError(t, err)

	require.Equal(t, "/reports?page=2", returnURL)
	require.NotEmpty(t, sess.SessionID)
	require.Equal(t, "user-123", sess.SubjectID)
	require.Equal(t, "Test User", sess.DisplayName)
	require.Equal(t, "test.user@example.com", sess.Email)
	require.Equal(t, []string{"reader"}, sess.Roles)
	require.Equal(t, f.now, sess.IssuedAt)
	require.Equal(t, f.now.Add(testSessionMaxAge), sess.ExpiresAt)
	require.NotEmpty(t, sess.BearerToken)
	require.Equal(t, 1, f.fake.TokenCalls())
}

func TestHandleCallback_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		params     func(t *testing.T, f *testFixture) auth.CallbackParams
		binding    string
		code       string
		status     int
		sentinel   error
		tokenCalls int
	}{
		{
			name: "access denied",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				p := f.authorize(t, testBinding, "/")
				return auth.CallbackParams{State: p.State, Error: "access_denied", ErrorDescription: "user cancelled"}
			},
			binding:  testBinding,
			code:     auth.CodeAuthorizationDenied,
			status:   http.StatusBadRequest,
			sentinel: bfferrors.ErrAuthorizationDenied,
		},
		{
			name: "error wins over code",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				p := f.authorize(t, testBinding, "/")
				p.Error = "access_denied"
				return p
			},
			binding:  testBinding,
			code:     auth.CodeAuthorizationDenied,
			status:   http.StatusBadRequest,
			sentinel: bfferrors.ErrAuthorizationDenied,
		},
		{
			name: "missing code",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				p := f.authorize(t, testBinding, "/")
				return auth.CallbackParams{State: p.State}
			},
			binding:  testBinding,
			code:     auth.CodeMalformedCallback,
			status:   http.StatusBadRequest,
			sentinel: bfferrors.ErrMalformedCallback,
		},
		{
			name: "missing state",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				p := f.authorize(t, testBinding, "/")
				return auth.CallbackParams{Code: p.Code}
			},
			binding:  testBinding,
			code:     auth.CodeMalformedCallback,
			status:   http.StatusBadRequest,
			sentinel: bfferrors.ErrMalformedCallback,
		},
		{
			name: "unknown state",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				p := f.authorize(t, testBinding, "/")
				p.State = "never-issued"
				return p
			},
			binding:  testBinding,
			code:     auth.CodeInvalidOrReplayedState,
			status:   http.StatusBadRequest,
			sentinel: bfferrors.ErrInvalidOrReplayedState,
		},
		{
			name: "state from another browser",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				return f.authorize(t, testBinding, "/")
			},
			binding:  testOtherBinding,
			code:     auth.CodeInvalidOrReplayedState,
			status:   http.StatusBadRequest,
			sentinel: bfferrors.ErrInvalidOrReplayedState,
		},
		{
			name: "code rejected by token endpoint",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				p := f.authorize(t, testBinding, "/")
				p.Code = "forged-code"
				return p
			},
			binding:    testBinding,
			code:       auth.CodeTokenExchangeFailed,
			status:     http.StatusBadRequest,
			sentinel:   bfferrors.ErrTokenExchangeFailed,
			tokenCalls: 1,
		},
		{
			name: "nonce mismatch",
			params: func(t *testing.T, f *testFixture) auth.CallbackParams {
				f.fake.NonceOverride = "substituted-nonce"
				return f.authorize(t, testBinding, "/")
			},
			binding:    testBinding,
			code:       auth.CodeTokenExchangeFailed,
			status:     http.StatusBadRequest,
			sentinel:   bfferrors.ErrTokenExchangeFailed,
			tokenCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			sess, returnURL, err := f.service.HandleCallback(context.Background(), tt.params(t, f), tt.binding)
			require.Nil(t, sess)
			require.Empty(t, returnURL)
			requireCallbackError(t, err, tt.code, tt.status)
			require.ErrorIs(t, err, tt.sentinel)
			require.Equal(t, tt.tokenCalls, f.fake.TokenCalls())
		})
	}
}

func TestHandleCallback_Replay(t *testing.T) {
	f := setupTestFixture(t)
	params := f.authorize(t, testBinding, "/")

	sess, _, err := f.service.HandleCallback(context.Background(), params, testBinding)
	require.NoError(t, err)
	require.NotNil(t, sess)

	sess, _, err = f.service.HandleCallback(context.Background(), params, testBinding)
	require.Nil(t, sess)
	requireCallbackError(t, err, auth.CodeInvalidOrReplayedState, http.StatusBadRequest)
	require.Equal(t, 1, f.fake.TokenCalls())
}

func TestHandleCallback_ErrorsEndTheAttempt(t *testing.T) {
	tests := []struct {
		name   string
		failed func(params auth.CallbackParams) auth.CallbackParams
		code   string
	}{
		{
			name: "denied",
			failed: func(params auth.CallbackParams) auth.CallbackParams {
				return auth.CallbackParams{State: params.State, Error: "access_denied"}
			},
			code: auth.CodeAuthorizationDenied,
		},
		{
			name: "missing code",
			failed: func(params auth.CallbackParams) auth.CallbackParams {
				return auth.CallbackParams{State: params.State}
			},
			code: auth.CodeMalformedCallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			params := f.authorize(t, testBinding, "/")

			sess, _, err := f.service.HandleCallback(context.Background(), tt.failed(params), testBinding)
			require.Nil(t, sess)
			requireCallbackError(t, err, tt.code, http.StatusBadRequest)

			// The real code arriving afterwards cannot revive the attempt.
			sess, _, err = f.service.HandleCallback(context.Background(), params, testBinding)
			require.Nil(t, sess)
			requireCallbackError(t, err, auth.CodeInvalidOrReplayedState, http.StatusBadRequest)
			require.Equal(t, 0, f.fake.TokenCalls())
		})
	}
}

func TestHandleCallback_DescriptionIsSanitized(t *testing.T) {
	f := setupTestFixture(t)
	_, _, err := f.service.HandleCallback(context.Background(), auth.CallbackParams{
		Error:            "access_denied",
		ErrorDescription: "denied\r\n<script>\x00",
	}, testBinding)

	cbErr := requireCallbackError(t, err, auth.CodeAuthorizationDenied, http.StatusBadRequest)
	require.Equal(t, "denied<script>", cbErr.Description)
}

func TestHandleCallback_ExchangeTimeout(t *testing.T) {
	f := setupTestFixture(t)
	params := f.authorize(t, testBinding, "/")
	f.fake.TokenDelay = 2 * time.Second

	sess, _, err := f.service.HandleCallback(context.Background(), params, testBinding)
	require.Nil(t, sess)
	requireCallbackError(t, err, auth.CodeTokenExchangeFailed, http.StatusBadGateway)
}

type unavailableRepo struct{ authflowrepo.Repo }

func (unavailableRepo) Take(context.Context, string) (*authflowrepo.AuthAttempt, error) {
	return nil, bfferrors.ErrStoreUnavailable
}

func TestHandleCallback_StoreUnavailable(t *testing.T) {
	f := setupTestFixture(t)
	service, err := auth.NewService(authflow.NewStore(unavailableRepo{}, 0), f.provider, auth.ServiceConfig{})
	require.NoError(t, err)

	_, _, err = service.HandleCallback(context.Background(), auth.CallbackParams{Code: "c", State: "s"}, testBinding)
	requireCallbackError(t, err, auth.CodeServiceUnavailable, http.StatusServiceUnavailable)
	require.Equal(t, 0, f.fake.TokenCalls())
}

func TestLogout(t *testing.T) {
	t.Run("anonymous", func(t *testing.T) {
		f := setupTestFixture(t)
		logoutURL := f.service.Logout(context.Background(), session.AnonymousContext())

		u, err := url.Parse(logoutURL)
		require.NoError(t, err)
		require.Equal(t, "/logout", u.Path)
		require.Equal(t, testLandingPage, u.Query().Get("post_logout_redirect_uri"))
		require.Equal(t, 0, f.fake.RevokeCalls())
	})

	t.Run("authenticated revokes the access token", func(t *testing.T) {
		f := setupTestFixture(t)
		sess, _, err := f.service.HandleCallback(context.Background(), f.authorize(t, testBinding, "/"), testBinding)
		require.NoError(t, err)

		first := f.service.Logout(context.Background(), session.NewContext(sess))
		require.True(t, f.fake.IsRevoked(sess.BearerToken))

		// Logging out again yields the same destination.
		second := f.service.Logout(context.Background(), session.AnonymousContext())
		require.Equal(t, first, second)
	})

	t.Run("revocation failure is not surfaced", func(t *testing.T) {
		f := setupTestFixture(t)
		f.fake.Close()
		sess := &session.AuthenticatedSession{SessionID: "s", BearerToken: "t", ExpiresAt: time.Now().Add(time.Minute)}
		require.NotEmpty(t, f.service.Logout(context.Background(), session.NewContext(sess)))
	})
}

func TestReady(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.service.Ready(context.Background()))
	require.Equal(t, authflow.DefaultTTL, f.service.AttemptTTL())
}
