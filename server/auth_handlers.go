package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/jrsteele09/go-bff/auth"
	"github.com/jrsteele09/go-bff/authflow"
	"github.com/jrsteele09/go-bff/downstream"
	"github.com/jrsteele09/go-bff/idp"
	"github.com/jrsteele09/go-bff/internal/config"
	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/jrsteele09/go-bff/session"
	"github.com/rs/zerolog"
)

type callbackResponse struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	ReturnURL       string `json:"returnUrl"`
}

type statusResponse struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	Subject         string    `json:"sub"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Roles           []string  `json:"roles"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// LoginHandler starts an authorization attempt and redirects the browser to
// the identity provider. The binding cookie ties the attempt to this browser;
// an existing one is reused so parallel logins from several tabs all work.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())

		bindingValue := ""
		if cookie, err := r.Cookie(BindingCookieName); err == nil {
			bindingValue = cookie.Value
		}
		if bindingValue == "" {
			var err error
			if bindingValue, err = authflow.NewBindingCookieValue(); err != nil {
				logger.Err(err).Msg("failed to generate binding cookie")
				writeJSONError(w, "internal_error", "Sign-in could not be started.", http.StatusInternalServerError)
				return
			}
		}

		authURL, err := s.auth.BuildRedirect(r.Context(), authflow.Binding(bindingValue), r.URL.Query().Get(QueryReturnURL))
		if err != nil {
			switch {
			case errors.Is(err, bfferrors.ErrStoreUnavailable):
				writeJSONError(w, "service_unavailable", "Sign-in is temporarily unavailable.", http.StatusServiceUnavailable)
			case errors.Is(err, idp.ErrUnavailable):
				writeJSONError(w, "idp_unavailable", "The identity provider is unavailable.", http.StatusBadGateway)
			default:
				writeJSONError(w, "internal_error", "Sign-in could not be started.", http.StatusInternalServerError)
			}
			return
		}

		s.metrics.loginRedirects.Inc()
		http.SetCookie(w, s.bindingCookie(bindingValue))
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler redeems the identity provider's response. It serves both
// GET (query response mode) and POST (form_post response mode).
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())

		// r.FormValue works for both query params and POST form data
		params := auth.CallbackParams{
			Code:             r.FormValue("code"),
			State:            r.FormValue("state"),
			Error:            r.FormValue("error"),
			ErrorDescription: r.FormValue("error_description"),
		}
		binding := ""
		if cookie, err := r.Cookie(BindingCookieName); err == nil {
			binding = authflow.Binding(cookie.Value)
		}

		sess, returnURL, err := s.auth.HandleCallback(r.Context(), params, binding)
		if err != nil {
			var cbErr *auth.CallbackError
			if !errors.As(err, &cbErr) {
				cbErr = &auth.CallbackError{Code: auth.CodeTokenExchangeFailed, Status: http.StatusInternalServerError, Err: err}
			}
			s.metrics.callbacks.WithLabelValues(cbErr.Code).Inc()
			writeJSONError(w, cbErr.Code, cbErr.Message(), cbErr.Status)
			return
		}

		value, err := s.codec.Encode(sess)
		if err != nil {
			logger.Err(err).Msg("failed to encode session cookie")
			s.metrics.callbacks.WithLabelValues("internal_error").Inc()
			writeJSONError(w, "internal_error", "Sign-in could not be completed.", http.StatusInternalServerError)
			return
		}

		s.metrics.callbacks.WithLabelValues("success").Inc()
		http.SetCookie(w, session.Cookie(value, sess.ExpiresAt))
		http.SetCookie(w, s.expiredBindingCookie())
		writeJSON(w, http.StatusOK, callbackResponse{IsAuthenticated: true, ReturnURL: returnURL})
	}
}

// StatusHandler reports the session to the browser application.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessCtx := session.FromContext(r.Context())
		if !sessCtx.IsAuthenticated() {
			downstream.WriteRejection(w, bfferrors.ErrNoSession)
			return
		}
		claims := sessCtx.Claims()
		roles := claims.Roles
		if roles == nil {
			roles = []string{}
		}
		writeJSON(w, http.StatusOK, statusResponse{
			IsAuthenticated: true,
			Subject:         claims.Subject,
			Name:            claims.Name,
			Email:           claims.Email,
			Roles:           roles,
			ExpiresAt:       sessCtx.ExpiresAt().UTC(),
		})
	}
}

// LogoutHandler always clears the session cookie and sends the browser to the
// identity provider's logout, whether or not a session existed.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logoutURL := s.auth.Logout(r.Context(), session.FromContext(r.Context()))
		s.metrics.logouts.Inc()
		http.SetCookie(w, session.ExpiredCookie())
		http.Redirect(w, r, logoutURL, http.StatusFound)
	}
}

// bindingCookie must survive the top-level redirect back from the identity
// provider. form_post arrives as a cross-site POST, which Lax cookies miss.
func (s *Server) bindingCookie(value string) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if s.config.GetResponseMode() == config.ResponseModeFormPost {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     BindingCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.auth.AttemptTTL().Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: sameSite,
	}
}

func (s *Server) expiredBindingCookie() *http.Cookie {
	c := s.bindingCookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0).UTC()
	return c
}
