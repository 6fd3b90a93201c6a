// Package token decodes the claims of bearer tokens the BFF already holds.
// It does not verify signatures: tokens reach the BFF only through the
// identity provider's token endpoint over a server-side channel.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-bff/internal/utils"
)

// ErrUndecodable is returned for tokens that are not JWTs.
var ErrUndecodable = errors.New("token is not a decodable JWT")

// Claims is the capability the downstream forwarder depends on.
type Claims interface {
	// Expiry returns the exp claim; ok is false when it is absent.
	Expiry() (exp time.Time, ok bool)
	// Scopes returns the granted scopes as a set.
	Scopes() map[string]struct{}
}

// Decoder turns a raw bearer token into Claims.
type Decoder interface {
	Decode(raw string) (Claims, error)
}

// JWTDecoder decodes JWT access tokens locally with golang-jwt.
type JWTDecoder struct {
	parser *jwtlib.Parser
}

var _ Decoder = (*JWTDecoder)(nil)

// NewJWTDecoder creates a decoder for unverified JWT payloads.
func NewJWTDecoder() *JWTDecoder {
	return &JWTDecoder{parser: jwtlib.NewParser()}
}

// Decode parses the payload without checking the signature.
func (d *JWTDecoder) Decode(raw string) (Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrUndecodable
	}
	parsed, _, err := d.parser.ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, ErrUndecodable
	}
	return mapClaims(claims), nil
}

type mapClaims jwtlib.MapClaims

func (c mapClaims) Expiry() (time.Time, bool) {
	exp, err := jwtlib.MapClaims(c).GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Scopes reads "scope" (RFC 8693/9068) and falls back to "scp", which some
// providers use. Both may be a space-delimited string or an array.
func (c mapClaims) Scopes() map[string]struct{} {
	raw, ok := c["scope"]
	if !ok {
		raw = c["scp"]
	}
	set := make(map[string]struct{})
	for _, s := range utils.ClaimStrings(raw) {
		set[s] = struct{}{}
	}
	return set
}
