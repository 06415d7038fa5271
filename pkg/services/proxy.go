// Package services contains the application services behind the HTTP
// handlers.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cast-proxy-go/pkg/interfaces"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/metrics"
	"cast-proxy-go/pkg/playlist"
	"cast-proxy-go/pkg/segment"
	"cast-proxy-go/pkg/session"
	"cast-proxy-go/pkg/types"
)

const manifestContentType = "application/vnd.apple.mpegurl"

// Target policy errors, mapped to 4xx by the HTTP layer.
var (
	ErrInvalidTarget = errors.New("target URL is not a valid http or https URL")
	ErrPrivateTarget = errors.New("target URL resolves to a private or loopback address")
)

// ProxyService serves manifest and segment requests on behalf of receivers.
type ProxyService struct {
	log     *logging.Logger
	cache   *playlist.Cache
	fetcher *segment.Fetcher
	table   *session.Table
	hub     interfaces.Broadcaster
	metrics *metrics.Metrics

	allowPrivateTargets bool
	now                 func() time.Time
}

// NewProxyService creates the proxy service.
func NewProxyService(log *logging.Logger, cache *playlist.Cache, fetcher *segment.Fetcher, table *session.Table, hub interfaces.Broadcaster, m *metrics.Metrics, allowPrivateTargets bool) *ProxyService {
	return &ProxyService{
		log:                 log.WithComponent("proxy"),
		cache:               cache,
		fetcher:             fetcher,
		table:               table,
		hub:                 hub,
		metrics:             m,
		allowPrivateTargets: allowPrivateTargets,
		now:                 time.Now,
	}
}

// Handle proxies one receiver request. clientIP attributes the traffic to a
// session; an unknown client is still served, just not tracked.
func (s *ProxyService) Handle(ctx context.Context, req types.StreamRequest, clientIP string) (*types.StreamResponse, error) {
	if err := s.validateTarget(req.URL); err != nil {
		return nil, err
	}

	if isManifestURL(req.URL) {
		return s.handleManifest(ctx, req, clientIP)
	}
	return s.handleSegment(ctx, req, clientIP)
}

// isManifestURL matches HLS playlists by extension, with a path heuristic
// for origins that serve manifests from extensionless endpoints.
func isManifestURL(urlStr string) bool {
	pathPart := urlStr
	if idx := strings.Index(pathPart, "?"); idx >= 0 {
		pathPart = pathPart[:idx]
	}
	lower := strings.ToLower(pathPart)
	return strings.HasSuffix(lower, ".m3u8") ||
		strings.HasSuffix(lower, ".m3u") ||
		strings.Contains(lower, "playlist")
}

func (s *ProxyService) handleManifest(ctx context.Context, req types.StreamRequest, clientIP string) (*types.StreamResponse, error) {
	res, err := s.cache.Get(ctx, req.URL, req.Referer)
	if err != nil {
		s.count("manifest", "error")
		return nil, err
	}
	if res.Status != http.StatusOK {
		s.count("manifest", "origin_error")
		return &types.StreamResponse{
			ContentType: manifestContentType,
			StatusCode:  res.Status,
			Body:        io.NopCloser(strings.NewReader("")),
		}, nil
	}

	s.count("manifest", "ok")
	if s.metrics != nil {
		if res.Hit {
			s.metrics.ManifestCache.WithLabelValues("hit").Inc()
		} else {
			s.metrics.ManifestCache.WithLabelValues("miss").Inc()
		}
	}

	if rec, ok := s.table.ByClientAddr(clientIP); ok {
		now := s.now()
		rec.Heartbeat(now)
		rec.TouchActivity(now)
		rec.SetMetadata(res.Meta.Resolution, res.Meta.FrameRate)
		if res.Hit {
			rec.AddCacheHit(now)
		}
		s.publishStats(rec)
	}

	return &types.StreamResponse{
		ContentType: manifestContentType,
		StatusCode:  http.StatusOK,
		Body:        io.NopCloser(strings.NewReader(res.Text)),
	}, nil
}

func (s *ProxyService) handleSegment(ctx context.Context, req types.StreamRequest, clientIP string) (*types.StreamResponse, error) {
	res, err := s.fetcher.Fetch(ctx, req.URL, req.Referer)
	if err != nil {
		s.count("segment", "error")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SegmentFetches.Inc()
		if res.Attempts > 1 {
			s.metrics.SegmentRetries.Add(float64(res.Attempts - 1))
		}
		if res.Skipped {
			s.metrics.SegmentSkips.Inc()
		}
		if res.GaveUp {
			s.metrics.SegmentGiveUps.Inc()
		}
	}

	outcome := "ok"
	if res.GaveUp {
		outcome = "giveup"
	} else if res.Response.StatusCode >= 400 {
		outcome = "origin_error"
	}
	s.count("segment", outcome)

	rec, tracked := s.table.ByClientAddr(clientIP)
	if tracked {
		rec.Heartbeat(s.now())
	}
	if tracked && outcome == "ok" {
		rec.TouchActivity(s.now())
		res.Response.Body = segment.CountBody(res.Response.Body, func(n int64) {
			rec.AddSegment(n, s.now())
			if s.metrics != nil {
				s.metrics.BytesProxied.Add(float64(n))
			}
			s.publishStats(rec)
		})
	}

	return res.Response, nil
}

func (s *ProxyService) publishStats(rec *session.Record) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(types.Event{
		Type:    types.EventStats,
		Device:  rec.DeviceAddr,
		Payload: types.StatsEvent{Stats: rec.Stats(), Tracking: rec.Tracking()},
	})
}

func (s *ProxyService) count(kind, outcome string) {
	if s.metrics != nil {
		s.metrics.ProxyRequests.WithLabelValues(kind, outcome).Inc()
	}
}

// validateTarget refuses URLs this proxy should never fetch. Loopback and
// private origins are refused unless explicitly allowed for LAN setups.
func (s *ProxyService) validateTarget(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidTarget
	}
	host := parsed.Hostname()
	if host == "" {
		return ErrInvalidTarget
	}
	if s.allowPrivateTargets {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return ErrPrivateTarget
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrPrivateTarget
		}
	}
	return nil
}
