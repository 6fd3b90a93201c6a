package config

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	portEnvVar  = "port"
	appNameVar  = "app_name"
	envVar      = "env"
	logLevelVar = "log_level"
	appBaseURL  = "app_base_url"
)

type EnvVars struct{ source }

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.getString(portEnvVar)
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.getString(appNameVar)
}

func (e EnvVars) GetEnv() string {
	return strings.ToUpper(e.getString(envVar))
}

func (e EnvVars) GetLogLevel() string {
	return e.getString(logLevelVar)
}

// GetAppBaseURL returns the landing page the identity provider sends the
// browser back to after logout. Without an explicit value it is the scheme and
// host of the registered redirect URI.
func (e EnvVars) GetAppBaseURL() string {
	if base := e.getString(appBaseURL); base != "" {
		return strings.TrimSuffix(base, "/") + "/"
	}
	u, err := url.Parse(e.getString(redirectURIVar))
	if err != nil || u.Host == "" {
		return "/"
	}
	return u.Scheme + "://" + u.Host + "/"
}
