package server

import (
	"net/http"

	"github.com/jrsteele09/go-bff/session"
	"github.com/rs/zerolog"
)

// SessionMiddleware attaches the request's session.Context. A session cookie
// that no longer decodes (expired, tampered, rotated secret) is cleared.
func (s *Server) SessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessCtx := s.codec.FromRequest(r)
		if !sessCtx.IsAuthenticated() {
			if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
				zerolog.Ctx(r.Context()).Debug().Msg("discarding undecodable session cookie")
				http.SetCookie(w, session.ExpiredCookie())
			}
		}
		next(w, r.WithContext(session.WithContext(r.Context(), sessCtx)))
	}
}
