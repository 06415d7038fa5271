// Package appctx provides the application context shared by handlers and
// services.
package appctx

import (
	"cast-proxy-go/pkg/cast"
	"cast-proxy-go/pkg/config"
	"cast-proxy-go/pkg/events"
	"cast-proxy-go/pkg/interfaces"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/metrics"
	"cast-proxy-go/pkg/playlist"
	"cast-proxy-go/pkg/services"
	"cast-proxy-go/pkg/session"
)

// Context carries shared application dependencies.
type Context struct {
	Config  *config.Config
	Log     *logging.Logger
	BaseURL string

	Table      *session.Table
	Cache      *playlist.Cache
	Proxy      *services.ProxyService
	Controller *cast.Controller
	Events     *events.Hub
	Metrics    *metrics.Metrics

	// Optional external collaborators; nil when not configured.
	Directory interfaces.DeviceDirectory
	Resolver  interfaces.SourceResolver
}

// New creates an application context with configuration and logging set up.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:  cfg,
		Log:     log,
		BaseURL: cfg.BaseURL,
	}
}
