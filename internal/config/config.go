package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	DownstreamConfig
	StoreConfig
	Validate() error
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetAppBaseURL() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

// source gives every config section read access to the same viper instance.
type source struct {
	v *viper.Viper
}

func (s source) getString(key string) string {
	return s.v.GetString(key)
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Downstream
	Store
}

// New wraps an already populated viper instance. Defaults are applied to v.
func New(v *viper.Viper) Config {
	setDefaults(v)
	src := source{v: v}
	return mainConfig{
		EnvVars:    EnvVars{src},
		Cors:       Cors{src},
		OAuth:      OAuth{src},
		Security:   Security{src},
		Downstream: Downstream{src},
		Store:      Store{src},
	}
}

// Load reads configuration from the environment and, when configFile is not
// empty, from that file. Environment variables win over file values.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("[config Load] failed to read %s: %w", configFile, err)
		}
	}

	c := New(v)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portEnvVar, "8080")
	v.SetDefault(appNameVar, "Go BFF")
	v.SetDefault(envVar, "DEV")
	v.SetDefault(logLevelVar, "info")
	v.SetDefault(allowedMethodsVar, "GET, POST")
	v.SetDefault(allowedHeadersVar, "Content-Type, X-Requested-With")
	v.SetDefault(authAttemptTTLVar, "10m")
	v.SetDefault(exchangeTimeoutVar, "10s")
	v.SetDefault(tokenAuthStyleVar, TokenAuthBasic)
	v.SetDefault(maxSessionAgeVar, "30m")
	v.SetDefault(rateLimitRPSVar, 5.0)
	v.SetDefault(rateLimitBurstVar, 10)
	v.SetDefault(downstreamTimeoutVar, "30s")
	v.SetDefault(attemptStoreVar, AttemptStoreMemory)
}
