// Package auth coordinates the browser-facing half of the authorization code
// flow: building the authorization redirect, redeeming the callback into an
// authenticated session and logging out.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-bff/authflow"
	"github.com/jrsteele09/go-bff/idp"
	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/jrsteele09/go-bff/session"
	"github.com/rs/zerolog/log"
)

// DefaultSessionMaxAge applies when ServiceConfig.SessionMaxAge is zero.
const DefaultSessionMaxAge = 30 * time.Minute

// CallbackParams are the values the identity provider returns to the
// redirect URI, from the query string or a form_post body.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ServiceConfig holds the static settings of the Service.
type ServiceConfig struct {
	SessionMaxAge         time.Duration
	PostLogoutRedirectURI string
}

// Service implements login, callback and logout.
type Service struct {
	store    *authflow.Store
	provider idp.Provider
	cfg      ServiceConfig
	nowTime  func() time.Time
}

// ServiceOption modifies a Service.
type ServiceOption func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// NewService wires the attempt store and identity provider together.
func NewService(store *authflow.Store, provider idp.Provider, cfg ServiceConfig, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("[auth NewService] attempt store is required")
	}
	if provider == nil {
		return nil, errors.New("[auth NewService] identity provider is required")
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = DefaultSessionMaxAge
	}
	s := &Service{
		store:    store,
		provider: provider,
		cfg:      cfg,
		nowTime:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BuildRedirect starts an attempt for the browser identified by binding and
// returns the identity provider URL to send it to.
func (s *Service) BuildRedirect(ctx context.Context, binding, returnURL string) (string, error) {
	attempt, err := s.store.BeginAttempt(ctx, binding, returnURL)
	if err != nil {
		log.Err(err).Msg("failed to begin auth attempt")
		return "", err
	}

	authURL, err := s.provider.AuthCodeURL(ctx, idp.AuthorizationRequest{
		State:         attempt.State,
		Nonce:         attempt.Nonce,
		CodeChallenge: attempt.CodeChallenge,
	})
	if err != nil {
		log.Err(err).Msg("failed to build authorization url")
		return "", err
	}
	return authURL, nil
}

// HandleCallback redeems a callback into a new session. Any returned error
// is a *CallbackError and no session exists in that case. The attempt is
// consumed before the token endpoint is contacted, so a given state reaches
// the exchange at most once.
func (s *Service) HandleCallback(ctx context.Context, params CallbackParams, binding string) (*session.AuthenticatedSession, string, error) {
	if params.Error != "" {
		description := sanitize(params.ErrorDescription)
		log.Warn().
			Str("error", sanitize(params.Error)).
			Str("error_description", description).
			Msg("authorization denied by identity provider")
		s.endAttempt(ctx, params.State, binding)
		return nil, "", deniedError(description)
	}

	if params.Code == "" || params.State == "" {
		s.endAttempt(ctx, params.State, binding)
		return nil, "", newCallbackError(CodeMalformedCallback, http.StatusBadRequest, bfferrors.ErrMalformedCallback)
	}

	attempt, err := s.store.ConsumeAttempt(ctx, params.State, binding)
	if err != nil {
		if errors.Is(err, bfferrors.ErrAttemptNotFound) {
			log.Warn().Msg("callback with unknown, expired or replayed state")
			return nil, "", newCallbackError(CodeInvalidOrReplayedState, http.StatusBadRequest, bfferrors.ErrInvalidOrReplayedState)
		}
		log.Err(err).Msg("attempt store failed during callback")
		return nil, "", newCallbackError(CodeServiceUnavailable, http.StatusServiceUnavailable, err)
	}

	tokens, err := s.provider.Exchange(ctx, params.Code, attempt.CodeVerifier)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, idp.ErrUnavailable) {
			status = http.StatusBadGateway
		}
		log.Err(err).Int("status", status).Msg("token exchange failed")
		return nil, "", newCallbackError(CodeTokenExchangeFailed, status,
			fmt.Errorf("%w: %w", bfferrors.ErrTokenExchangeFailed, err))
	}

	if tokens.Identity.Nonce != attempt.Nonce {
		log.Error().Str("reason", "nonce mismatch").Msg("token exchange failed")
		return nil, "", newCallbackError(CodeTokenExchangeFailed, http.StatusBadRequest,
			fmt.Errorf("%w: nonce mismatch", bfferrors.ErrTokenExchangeFailed))
	}
	if tokens.AccessToken == "" {
		return nil, "", newCallbackError(CodeTokenExchangeFailed, http.StatusBadRequest,
			fmt.Errorf("%w: no access token", bfferrors.ErrTokenExchangeFailed))
	}

	now := s.nowTime()
	sess := &session.AuthenticatedSession{
		SessionID:   uuid.NewString(),
		SubjectID:   tokens.Identity.Subject,
		DisplayName: tokens.Identity.Name,
		Email:       tokens.Identity.Email,
		Roles:       tokens.Identity.Roles,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.SessionMaxAge),
		BearerToken: tokens.AccessToken,
	}

	log.Info().Str("session_id", sess.SessionID).Str("sub", sess.SubjectID).Msg("session established")
	return sess, attempt.ReturnURL, nil
}

// endAttempt consumes the attempt named by a failed callback so it cannot be
// redeemed later. The outcome does not change the callback's error.
func (s *Service) endAttempt(ctx context.Context, state, binding string) {
	if state == "" {
		return
	}
	if _, err := s.store.ConsumeAttempt(ctx, state, binding); err != nil && !errors.Is(err, bfferrors.ErrAttemptNotFound) {
		log.Err(err).Msg("failed to end auth attempt")
	}
}

// Logout returns the identity provider logout URL. It never fails; when a
// session exists its access token is revoked best effort.
func (s *Service) Logout(ctx context.Context, sessCtx session.Context) string {
	if sessCtx.IsAuthenticated() {
		if err := s.provider.Revoke(ctx, sessCtx.BearerToken()); err != nil {
			log.Err(err).Str("session_id", sessCtx.SessionID()).Msg("failed to revoke access token")
		}
		log.Info().Str("session_id", sessCtx.SessionID()).Msg("session ended")
	}
	return s.provider.EndSessionURL(ctx, s.cfg.PostLogoutRedirectURI)
}

// AttemptTTL is how long a started login stays redeemable.
func (s *Service) AttemptTTL() time.Duration {
	return s.store.TTL()
}

// Ready checks the attempt store and identity provider discovery.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.provider.Ready(ctx)
}
