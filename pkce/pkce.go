// Package pkce generates Proof Key for Code Exchange pairs (RFC 7636).
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the only challenge method this client sends.
	MethodS256 = "S256"

	// VerifierLength is the fixed length of generated verifiers, the RFC 7636 maximum.
	VerifierLength = 128

	// unreserved is the RFC 3986 unreserved character set allowed in a verifier.
	unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	// maxUnbiased is the largest multiple of len(unreserved) that fits in a byte.
	maxUnbiased = 256 - (256 % len(unreserved))
)

// Pair holds a code verifier and the S256 challenge derived from it.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate draws a new verifier from crypto/rand. An error means the secure
// random source is unavailable and no authentication attempt can be started.
func Generate() (Pair, error) {
	verifier, err := generateVerifier()
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: verifier, Challenge: Challenge(verifier)}, nil
}

// Challenge returns base64url_no_pad(sha256(verifier)).
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether challenge was derived from verifier.
func Verify(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}

// generateVerifier rejection-samples random bytes so every character of the
// unreserved set is equally likely.
func generateVerifier() (string, error) {
	out := make([]byte, 0, VerifierLength)
	buf := make([]byte, VerifierLength)
	for len(out) < VerifierLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("[pkce Generate] secure random source unavailable: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, unreserved[int(b)%len(unreserved)])
			if len(out) == VerifierLength {
				break
			}
		}
	}
	return string(out), nil
}
