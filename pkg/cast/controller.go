// Package cast orchestrates cast sessions: connecting to receivers, loading
// streams, and tearing sessions down.
package cast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cast-proxy-go/pkg/interfaces"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/monitor"
	"cast-proxy-go/pkg/playlist"
	"cast-proxy-go/pkg/session"
	"cast-proxy-go/pkg/types"
)

// ErrNoDialer means cast support is not configured on this deployment.
var ErrNoDialer = errors.New("no cast dialer configured")

// ErrNoSession means the device has no active session to operate on.
var ErrNoSession = errors.New("no active session for device")

// LoadTimeoutError reports a load that never produced a playing stream,
// with enough context for the caller to troubleshoot reachability.
type LoadTimeoutError struct {
	DeviceAddress string
	ProxyBase     string
	Timeout       time.Duration
}

func (e *LoadTimeoutError) Error() string {
	return fmt.Sprintf("receiver at %s did not start playback within %s; check that the receiver can reach %s", e.DeviceAddress, e.Timeout, e.ProxyBase)
}

// StartRequest asks the controller to begin casting a stream.
type StartRequest struct {
	DeviceAddress string
	URL           string
	Referer       string
	Proxy         bool // route the stream through this proxy
	ClientAddress string
}

// Controller owns the cast session lifecycle.
type Controller struct {
	log         *logging.Logger
	table       *session.Table
	dialer      interfaces.CastDialer
	proxyBase   string
	loadTimeout time.Duration

	now func() time.Time
}

// NewController creates a cast controller. dialer may be nil when cast
// support is disabled; Start then refuses with ErrNoDialer.
func NewController(log *logging.Logger, table *session.Table, dialer interfaces.CastDialer, proxyBase string, loadTimeout time.Duration) *Controller {
	return &Controller{
		log:         log.WithComponent("cast"),
		table:       table,
		dialer:      dialer,
		proxyBase:   proxyBase,
		loadTimeout: loadTimeout,
		now:         time.Now,
	}
}

// Start casts a stream to a device. Any existing session on the device is
// force-stopped first; two senders cannot share one receiver.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*session.Record, error) {
	if c.dialer == nil {
		return nil, ErrNoDialer
	}
	log := c.log.WithDevice(req.DeviceAddress)

	if old, ok := c.table.Get(req.DeviceAddress); ok {
		log.Info("replacing existing session")
		c.teardown(old)
	}

	client, err := c.dialer.Dial(req.DeviceAddress)
	if err != nil {
		return nil, fmt.Errorf("dial receiver: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to receiver: %w", err)
	}
	player, err := client.Launch(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("launch media receiver: %w", err)
	}

	media := c.mediaFor(req)
	rec, displaced := c.table.Create(req.DeviceAddress, req.ClientAddress, client, player)
	if displaced != nil {
		c.teardown(displaced)
	}
	rec.SetMedia(media)

	player.OnStatus(monitor.StatusSink(rec, log, c.now))
	client.OnClose(func() {
		log.Info("receiver closed the connection, removing session")
		if _, ok := c.table.Delete(req.DeviceAddress, rec); ok {
			client.Close()
		}
	})

	if err := c.load(ctx, req.DeviceAddress, player, media); err != nil {
		c.table.Delete(req.DeviceAddress, rec)
		client.Close()
		return nil, err
	}

	log.Info("casting started", "url", media.URL, "proxied", req.Proxy)
	return rec, nil
}

// load runs the player load with a hard deadline. The first outcome wins: a
// late load result after the timeout is discarded, never acted on.
func (c *Controller) load(ctx context.Context, deviceAddress string, player interfaces.CastPlayer, media types.MediaInfo) error {
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- player.Load(loadCtx, media) }()

	timer := time.NewTimer(c.loadTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("load media: %w", err)
		}
		return nil
	case <-timer.C:
		return &LoadTimeoutError{DeviceAddress: deviceAddress, ProxyBase: c.proxyBase, Timeout: c.loadTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the session on a device.
func (c *Controller) Stop(ctx context.Context, deviceAddress string) error {
	rec, ok := c.table.Delete(deviceAddress, nil)
	if !ok {
		return ErrNoSession
	}
	c.log.WithDevice(deviceAddress).Info("stopping session")
	c.stopPlayback(ctx, rec)
	if rec.Client != nil {
		rec.Client.Close()
	}
	return nil
}

// teardown force-stops a session that is being replaced or abandoned.
func (c *Controller) teardown(rec *session.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.table.Delete(rec.DeviceAddr, rec)
	c.stopPlayback(ctx, rec)
	if rec.Client != nil {
		rec.Client.Close()
	}
}

func (c *Controller) stopPlayback(ctx context.Context, rec *session.Record) {
	if rec.Player == nil {
		return
	}
	if err := rec.Player.Stop(ctx); err != nil && !interfaces.IsBenignCastError(err) {
		c.log.WithDevice(rec.DeviceAddr).WithError(err).Warn("stop playback failed")
	}
}

func (c *Controller) mediaFor(req StartRequest) types.MediaInfo {
	mediaURL := req.URL
	if req.Proxy {
		mediaURL = playlist.ProxyURL(c.proxyBase, req.URL, req.Referer)
	}
	contentType := "video/mp4"
	live := false
	lower := strings.ToLower(req.URL)
	if strings.Contains(lower, ".m3u8") || strings.Contains(lower, ".m3u") {
		contentType = "application/vnd.apple.mpegurl"
		live = true
	}
	return types.MediaInfo{URL: mediaURL, ContentType: contentType, Live: live}
}
