package config

import (
	"strings"
	"time"
)

const (
	downstreamBaseURLVar = "downstream_base_url"
	downstreamScopeVar   = "downstream_scope"
	downstreamTimeoutVar = "downstream_timeout"
)

type DownstreamConfig interface {
	GetDownstreamBaseURL() string
	GetDownstreamScope() string
	GetDownstreamTimeout() time.Duration
}

type Downstream struct{ source }

var _ DownstreamConfig = Downstream{}

func (d Downstream) GetDownstreamBaseURL() string {
	return strings.TrimSuffix(d.getString(downstreamBaseURLVar), "/")
}

func (d Downstream) GetDownstreamScope() string {
	return strings.TrimSpace(d.getString(downstreamScopeVar))
}

func (d Downstream) GetDownstreamTimeout() time.Duration {
	return d.v.GetDuration(downstreamTimeoutVar)
}
