// Package downstream decides whether a session may call the downstream API
// and proxies the calls that may.
package downstream

import (
	"time"

	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/jrsteele09/go-bff/session"
	"github.com/jrsteele09/go-bff/token"
)

// Forwarder authorizes downstream calls from the session's bearer token.
// The token is passed through unchanged.
type Forwarder struct {
	decoder token.Decoder
	metrics *Metrics
	nowTime func() time.Time
}

type ForwarderOption func(*Forwarder)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ForwarderOption {
	return func(f *Forwarder) {
		f.nowTime = nowFunc
	}
}

// NewForwarder returns a Forwarder. A nil decoder selects token.NewJWTDecoder.
func NewForwarder(decoder token.Decoder, metrics *Metrics, opts ...ForwarderOption) *Forwarder {
	if decoder == nil {
		decoder = token.NewJWTDecoder()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	f := &Forwarder{decoder: decoder, metrics: metrics, nowTime: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthorizeDownstreamCall returns the bearer token to send downstream when
// the session holds an unexpired token carrying requiredScope. Expiry is
// checked before scope. An empty requiredScope only checks expiry.
func (f *Forwarder) AuthorizeDownstreamCall(sessCtx session.Context, requiredScope string) (string, error) {
	result, err := f.authorize(sessCtx, requiredScope)
	f.metrics.decisions.WithLabelValues(result).Inc()
	if err != nil {
		return "", err
	}
	return sessCtx.BearerToken(), nil
}

func (f *Forwarder) authorize(sessCtx session.Context, requiredScope string) (string, error) {
	if !sessCtx.IsAuthenticated() || sessCtx.BearerToken() == "" {
		return ResultUnauthenticated, bfferrors.ErrNoSession
	}

	claims, err := f.decoder.Decode(sessCtx.BearerToken())
	if err != nil {
		return ResultInvalid, bfferrors.Wrapf(bfferrors.ErrUnauthorized, "[downstream AuthorizeDownstreamCall] %v", err)
	}

	expiry, ok := claims.Expiry()
	if !ok || !f.nowTime().Before(expiry) {
		return ResultExpired, bfferrors.ErrTokenExpired
	}

	if requiredScope != "" {
		if _, granted := claims.Scopes()[requiredScope]; !granted {
			return ResultMissingScope, bfferrors.ErrMissingScope
		}
	}
	return ResultOK, nil
}
