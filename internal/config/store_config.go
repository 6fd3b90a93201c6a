package config

const (
	attemptStoreVar = "attempt_store"
	redisURLVar     = "redis_url"
)

// Attempt store backends.
const (
	AttemptStoreMemory = "memory"
	AttemptStoreRedis  = "redis"
)

type StoreConfig interface {
	GetAttemptStore() string
	GetRedisURL() string
}

type Store struct{ source }

var _ StoreConfig = Store{}

func (s Store) GetAttemptStore() string {
	return s.getString(attemptStoreVar)
}

func (s Store) GetRedisURL() string {
	return s.getString(redisURLVar)
}
