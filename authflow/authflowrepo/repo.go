package authflowrepo

import (
	"context"
	"time"
)

// AuthAttempt is the server-side half of one authorization redirect. It is
// keyed by State and consumed exactly once by the callback.
type AuthAttempt struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Nonce         string    `json:"nonce"`
	ReturnURL     string    `json:"return_url"`
	Binding       string    `json:"binding"`
	CreatedAt     time.Time `json:"created_at"`
}

// Repo stores pending attempts. Take must retrieve and delete in one atomic
// step so that two callbacks racing on the same state cannot both succeed.
type Repo interface {
	Save(ctx context.Context, attempt *AuthAttempt, ttl time.Duration) error
	Take(ctx context.Context, state string) (*AuthAttempt, error)
	Ping(ctx context.Context) error
	Close() error
}
