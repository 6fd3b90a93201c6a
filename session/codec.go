package session

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	jwtlib "github.com/golang-jwt/jwt/v5"
	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// CookieName is the session cookie set after a successful callback.
	CookieName = "bff_session"

	sessionIssuer   = "go-bff"
	sessionAudience = "go-bff-session"
	keyLength       = 32
)

// sessionClaims is the signed payload inside the encrypted cookie.
type sessionClaims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Token string   `json:"tok"`
	jwtlib.RegisteredClaims
}

// Codec seals sessions into cookie values: an HS256 JWT (golang-jwt) nested
// in a dir/A256GCM JWE (go-jose). Decoding is local and has no side effects.
type Codec struct {
	signingKey    []byte
	encryptionKey []byte
	nowTime       func() time.Time
}

// CodecOption customises a Codec.
type CodecOption func(*Codec)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) CodecOption {
	return func(c *Codec) {
		c.nowTime = nowFunc
	}
}

// NewCodec derives independent signing and encryption keys from secret.
func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) < keyLength {
		return nil, fmt.Errorf("%w: session secret must be at least %d bytes", bfferrors.ErrMisconfigured, keyLength)
	}
	signingKey, err := deriveKey(secret, "go-bff session signing")
	if err != nil {
		return nil, err
	}
	encryptionKey, err := deriveKey(secret, "go-bff session encryption")
	if err != nil {
		return nil, err
	}

	c := &Codec{signingKey: signingKey, encryptionKey: encryptionKey, nowTime: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("[session deriveKey] %w", err)
	}
	return key, nil
}

// Encode seals s into a cookie value.
func (c *Codec) Encode(s *AuthenticatedSession) (string, error) {
	if s == nil || s.SubjectID == "" || s.BearerToken == "" {
		return "", fmt.Errorf("[session Encode] incomplete session")
	}
	claims := sessionClaims{
		Name:  s.DisplayName,
		Email: s.Email,
		Roles: s.Roles,
		Token: s.BearerToken,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        s.SessionID,
			Subject:   s.SubjectID,
			Issuer:    sessionIssuer,
			Audience:  jwtlib.ClaimStrings{sessionAudience},
			IssuedAt:  jwtlib.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwtlib.NewNumericDate(s.ExpiresAt),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("[session Encode] sign: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: c.encryptionKey},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("[session Encode] encrypter: %w", err)
	}
	jwe, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("[session Encode] encrypt: %w", err)
	}
	return jwe.CompactSerialize()
}

// Decode opens a cookie value. Anything that is not a current session sealed
// with this codec's keys is ErrNoSession.
func (c *Codec) Decode(value string) (*AuthenticatedSession, error) {
	if value == "" {
		return nil, bfferrors.ErrNoSession
	}
	jwe, err := jose.ParseEncrypted(value, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bfferrors.ErrNoSession, err)
	}
	signed, err := jwe.Decrypt(c.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bfferrors.ErrNoSession, err)
	}

	var claims sessionClaims
	_, err = jwtlib.ParseWithClaims(string(signed), &claims,
		func(*jwtlib.Token) (any, error) { return c.signingKey, nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuer(sessionIssuer),
		jwtlib.WithAudience(sessionAudience),
		jwtlib.WithTimeFunc(c.nowTime),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bfferrors.ErrNoSession, err)
	}
	if claims.Subject == "" || claims.Token == "" || claims.IssuedAt == nil {
		return nil, bfferrors.ErrNoSession
	}

	return &AuthenticatedSession{
		SessionID:   claims.ID,
		SubjectID:   claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		Roles:       claims.Roles,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
		BearerToken: claims.Token,
	}, nil
}

// FromRequest builds the request's authentication context from its cookie.
func (c *Codec) FromRequest(r *http.Request) Context {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return AnonymousContext()
	}
	s, err := c.Decode(cookie.Value)
	if err != nil {
		return AnonymousContext()
	}
	return NewContext(s)
}

// Cookie returns the session cookie for value. The attributes are fixed.
func Cookie(value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt.UTC(),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ExpiredCookie clears the session cookie in the browser.
func ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}
