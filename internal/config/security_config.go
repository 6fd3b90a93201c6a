package config

import "time"

const (
	sessionSecretVar      = "session_secret"
	maxSessionAgeVar      = "session_max_age"
	enableRateLimitingVar = "enable_rate_limiting"
	rateLimitRPSVar       = "rate_limit_rps"
	rateLimitBurstVar     = "rate_limit_burst"

	// MinSessionSecretLength is the minimum accepted length of SESSION_SECRET.
	MinSessionSecretLength = 32
)

type SecurityConfig interface {
	GetSessionSecret() []byte
	GetMaxSessionAge() time.Duration
	GetEnableRateLimiting() bool
	GetRateLimitRPS() float64
	GetRateLimitBurst() int
}

type Security struct{ source }

var _ SecurityConfig = Security{}

func (s Security) GetSessionSecret() []byte {
	return []byte(s.getString(sessionSecretVar))
}

func (s Security) GetMaxSessionAge() time.Duration {
	return s.v.GetDuration(maxSessionAgeVar)
}

func (s Security) GetEnableRateLimiting() bool {
	return s.v.GetBool(enableRateLimitingVar)
}

func (s Security) GetRateLimitRPS() float64 {
	return s.v.GetFloat64(rateLimitRPSVar)
}

func (s Security) GetRateLimitBurst() int {
	return s.v.GetInt(rateLimitBurstVar)
}
