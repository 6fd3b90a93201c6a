// Package authflow issues and redeems the short-lived authorization attempts
// that tie an identity provider callback back to the redirect that started it.
package authflow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/go-bff/authflow/authflowrepo"
	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"github.com/jrsteele09/go-bff/internal/utils"
	"github.com/jrsteele09/go-bff/pkce"
)

const (
	// DefaultTTL is how long an attempt stays redeemable.
	DefaultTTL = 10 * time.Minute

	// stateLength and nonceLength are in random bytes: 256 bits each.
	stateLength   = 32
	nonceLength   = 32
	bindingLength = 32
)

// AuthAttempt is re-exported so callers rarely need the repo package.
type AuthAttempt = authflowrepo.AuthAttempt

// Store implements begin/consume on top of a Repo.
type Store struct {
	repo    authflowrepo.Repo
	ttl     time.Duration
	nowTime func() time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore creates a Store. A non-positive ttl selects DefaultTTL.
func NewStore(repo authflowrepo.Repo, ttl time.Duration, opts ...StoreOption) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{repo: repo, ttl: ttl, nowTime: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns how long attempts remain redeemable.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// BeginAttempt generates state, nonce and a PKCE pair and stores them bound
// to the browser identified by binding (see Binding).
func (s *Store) BeginAttempt(ctx context.Context, binding, returnURL string) (*AuthAttempt, error) {
	if binding == "" {
		return nil, fmt.Errorf("[authflow BeginAttempt] binding is required")
	}
	state, err := utils.RandomString(stateLength)
	if err != nil {
		return nil, err
	}
	nonce, err := utils.RandomString(nonceLength)
	if err != nil {
		return nil, err
	}
	pair, err := pkce.Generate()
	if err != nil {
		return nil, err
	}

	attempt := &AuthAttempt{
		State:         state,
		CodeVerifier:  pair.Verifier,
		CodeChallenge: pair.Challenge,
		Nonce:         nonce,
		ReturnURL:     SafeReturnURL(returnURL),
		Binding:       binding,
		CreatedAt:     s.nowTime(),
	}
	if err := s.repo.Save(ctx, attempt, s.ttl); err != nil {
		return nil, bfferrors.Wrapf(err, "[authflow BeginAttempt] failed to save attempt")
	}
	return attempt, nil
}

// ConsumeAttempt atomically takes the attempt for state. Unknown, replayed,
// expired and foreign-browser states all return ErrAttemptNotFound so the
// caller cannot tell them apart. Backend failures are returned as is.
func (s *Store) ConsumeAttempt(ctx context.Context, state, binding string) (*AuthAttempt, error) {
	attempt, err := s.repo.Take(ctx, state)
	if err != nil {
		return nil, err
	}
	if s.nowTime().Sub(attempt.CreatedAt) >= s.ttl {
		return nil, bfferrors.ErrAttemptNotFound
	}
	if subtle.ConstantTimeCompare([]byte(attempt.Binding), []byte(binding)) != 1 {
		return nil, bfferrors.ErrAttemptNotFound
	}
	return attempt, nil
}

// Ping checks the backing repo.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// NewBindingCookieValue returns a fresh random value for the browser's
// pre-authentication cookie.
func NewBindingCookieValue() (string, error) {
	return utils.RandomString(bindingLength)
}

// Binding derives the value stored with an attempt from the browser cookie
// value, so the raw cookie never reaches the store.
func Binding(cookieValue string) string {
	if cookieValue == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(cookieValue))
	return hex.EncodeToString(sum[:])
}

// SafeReturnURL keeps only local absolute paths; anything else becomes "/".
func SafeReturnURL(returnURL string) string {
	if returnURL == "" || !strings.HasPrefix(returnURL, "/") {
		return "/"
	}
	if strings.HasPrefix(returnURL, "//") || strings.HasPrefix(returnURL, "/\\") {
		return "/"
	}
	if strings.ContainsAny(returnURL, "\r\n\t") {
		return "/"
	}
	return returnURL
}
