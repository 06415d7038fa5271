// Package app provides the main application setup and dependency injection.
package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"cast-proxy-go/pkg/appctx"
	"cast-proxy-go/pkg/cast"
	"cast-proxy-go/pkg/config"
	"cast-proxy-go/pkg/events"
	"cast-proxy-go/pkg/handlers/api"
	"cast-proxy-go/pkg/httpclient"
	"cast-proxy-go/pkg/interfaces"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/metrics"
	"cast-proxy-go/pkg/monitor"
	"cast-proxy-go/pkg/playlist"
	"cast-proxy-go/pkg/segment"
	"cast-proxy-go/pkg/server"
	"cast-proxy-go/pkg/services"
	"cast-proxy-go/pkg/session"
)

// Deps are the external collaborators that speak to the outside world. Any
// of them may be nil: casting, discovery, and resolution then answer with a
// not-configured error while the proxy surface keeps working.
type Deps struct {
	Dialer    interfaces.CastDialer
	Directory interfaces.DeviceDirectory
	Resolver  interfaces.SourceResolver
}

// App is the main application container.
type App struct {
	Ctx    *appctx.Context
	Server *server.Server

	connMonitor   *monitor.ConnectionMonitor
	stallDetector *monitor.StallDetector
}

// New creates and initializes the application.
func New(deps Deps) (*App, error) {
	cfg := config.Load()

	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing cast-proxy", "port", cfg.Port, "base_url", cfg.BaseURL, "log_level", cfg.LogLevel)

	ctx := appctx.New(cfg, log)
	ctx.Directory = deps.Directory
	ctx.Resolver = deps.Resolver

	httpClient := httpclient.New(cfg, log)
	ctx.Metrics = metrics.New()
	ctx.Events = events.NewHub()
	ctx.Table = session.NewTable()

	ctx.Cache = playlist.NewCache(httpClient, log, cfg.BaseURL, cfg.ManifestTTLLive, cfg.ManifestTTLVOD)

	fetcher := segment.NewFetcher(httpClient, log, cfg.SegmentRetryMax, cfg.SegmentBackoffBase, cfg.SegmentBackoffMax, cfg.SegmentGiveUp)
	ctx.Proxy = services.NewProxyService(log, ctx.Cache, fetcher, ctx.Table, ctx.Events, ctx.Metrics, cfg.AllowPrivateTargets)

	if deps.Dialer != nil {
		ctx.Controller = cast.NewController(log, ctx.Table, deps.Dialer, cfg.BaseURL, cfg.LoadTimeout)
	} else {
		log.Warn("no cast dialer provided, cast endpoints disabled")
	}

	connMonitor := monitor.NewConnectionMonitor(ctx.Table, log, ctx.Events, ctx.Metrics, cfg.HeartbeatInterval, cfg.ReconnectDelay, cfg.ReconnectMax)
	stallDetector := monitor.NewStallDetector(ctx.Table, log, ctx.Events, ctx.Metrics, session.StallPolicy{
		BufferingWindow:     cfg.BufferingStallWindow,
		IdleWindow:          cfg.IdleStallWindow,
		IdleCooldown:        cfg.IdleRetryCooldown,
		ResetActivityWindow: cfg.ResetActivityWindow,
		ResetCooldown:       cfg.ResetCooldown,
		MaxAttempts:         cfg.RecoveryMax,
	}, cfg.StallPollInterval, cfg.RecoverySettleDelay)

	srv := server.New(cfg, log)
	handlers := api.NewHandlers(ctx)
	handlers.RegisterRoutes(srv.Router())

	return &App{
		Ctx:           ctx,
		Server:        srv,
		connMonitor:   connMonitor,
		stallDetector: stallDetector,
	}, nil
}

// Run starts the server and the background monitors, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Ctx.Cache.StartSweeper(ctx, a.Ctx.Config.CacheSweepInterval)

	g.Go(func() error {
		a.connMonitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.stallDetector.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Server.Start(ctx)
	})

	return g.Wait()
}

// Shutdown tears down all active sessions.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")
	if a.Ctx.Controller == nil {
		return
	}
	for _, rec := range a.Ctx.Table.Snapshot() {
		if err := a.Ctx.Controller.Stop(context.Background(), rec.DeviceAddr); err != nil {
			a.Ctx.Log.WithError(err).Warn("session teardown failed", "device", rec.DeviceAddr)
		}
	}
}
