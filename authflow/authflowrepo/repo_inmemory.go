package authflowrepo

import (
	"context"
	"errors"
	"sync"
	"time"

	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
)

// DefaultCleanupInterval is how often expired attempts are evicted.
const DefaultCleanupInterval = time.Minute

type entry struct {
	attempt   AuthAttempt
	expiresAt time.Time
}

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
// for single instance deployments.
type InMemoryRepo struct {
	mu     sync.Mutex
	states map[string]entry

	nowTime         func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// InMemoryRepoOption customises an InMemoryRepo.
type InMemoryRepoOption func(*InMemoryRepo)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowTime = nowFunc
	}
}

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.cleanupInterval = interval
	}
}

// NewInMemoryRepo creates a new in-memory auth attempt repository and starts
// its background cleanup goroutine. Call Close to stop it.
func NewInMemoryRepo(opts ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		states:          make(map[string]entry),
		nowTime:         time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.cleanupLoop()
	return r
}

// Save stores an attempt under its state
func (r *InMemoryRepo) Save(_ context.Context, attempt *AuthAttempt, ttl time.Duration) error {
	if attempt == nil {
		return errors.New("attempt cannot be nil")
	}
	if attempt.State == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external modifications
	r.states[attempt.State] = entry{
		attempt:   *attempt,
		expiresAt: r.nowTime().Add(ttl),
	}
	return nil
}

// Take removes the attempt for state and returns it. Expired entries are
// removed as well but reported as not found.
func (r *InMemoryRepo) Take(_ context.Context, state string) (*AuthAttempt, error) {
	if state == "" {
		return nil, bfferrors.ErrAttemptNotFound
	}

	r.mu.Lock()
	e, exists := r.states[state]
	delete(r.states, state)
	r.mu.Unlock()

	if !exists || !r.nowTime().Before(e.expiresAt) {
		return nil, bfferrors.ErrAttemptNotFound
	}

	attempt := e.attempt
	return &attempt, nil
}

// Ping always succeeds for the in-memory repo
func (r *InMemoryRepo) Ping(context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (r *InMemoryRepo) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCleanup)
		<-r.cleanupDone
	})
	return nil
}

// Len returns the number of stored entries, expired or not.
func (r *InMemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *InMemoryRepo) cleanupLoop() {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCleanup:
			return
		case <-ticker.C:
			r.cleanupExpired()
		}
	}
}

func (r *InMemoryRepo) cleanupExpired() {
	now := r.nowTime()

	r.mu.Lock()
	defer r.mu.Unlock()

	for state, e := range r.states {
		if !now.Before(e.expiresAt) {
			delete(r.states, state)
		}
	}
}
