// Package segment fetches media segments from the origin with retry,
// live-edge skip-ahead, and a bounded give-up so the receiver's player is
// never left waiting on a dead request.
package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"cast-proxy-go/pkg/httpclient"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/types"
)

// Client is the origin HTTP surface the fetcher needs.
type Client interface {
	Get(ctx context.Context, urlStr, referer string) (*http.Response, error)
	Head(ctx context.Context, urlStr, referer string) (*http.Response, error)
}

// Result describes how a fetch was served, for metrics and logging.
type Result struct {
	Response *types.StreamResponse
	Attempts int
	Skipped  bool // retargeted to the next live segment index after a 404
	GaveUp   bool // retry budget spent, answered with an empty body
}

// Fetcher retrieves segments with capped exponential backoff.
type Fetcher struct {
	client      Client
	log         *logging.Logger
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	giveUpAfter time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a segment fetcher.
func NewFetcher(client Client, log *logging.Logger, maxAttempts int, backoffBase, backoffMax, giveUpAfter time.Duration) *Fetcher {
	return &Fetcher{
		client:      client,
		log:         log.WithComponent("segment"),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		giveUpAfter: giveUpAfter,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsSegmentURL reports whether the URL names a media segment, judged by
// extension with any query string ignored.
func IsSegmentURL(urlStr string) bool {
	switch segmentExt(urlStr) {
	case ".ts", ".m4s", ".mp4":
		return true
	}
	return false
}

// ContentTypeFor returns the content type implied by a segment URL. Used for
// the synthetic empty response after a give-up so the player discards the
// segment instead of choking on it.
func ContentTypeFor(urlStr string) string {
	if segmentExt(urlStr) == ".ts" {
		return "video/MP2T"
	}
	return "video/mp4"
}

func segmentExt(urlStr string) string {
	if idx := strings.Index(urlStr, "?"); idx >= 0 {
		urlStr = urlStr[:idx]
	}
	return strings.ToLower(path.Ext(urlStr))
}

// Fetch retrieves a URL through the retry pipeline. Non-segment URLs get a
// single pass-through attempt. The response body streams directly from the
// origin; callers own closing it.
func (f *Fetcher) Fetch(ctx context.Context, urlStr, referer string) (*Result, error) {
	if !IsSegmentURL(urlStr) {
		resp, err := f.client.Get(ctx, urlStr, referer)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", urlStr, err)
		}
		return &Result{Response: streamResponse(resp, urlStr), Attempts: 1}, nil
	}
	return f.fetchSegment(ctx, urlStr, referer)
}

func (f *Fetcher) fetchSegment(ctx context.Context, urlStr, referer string) (*Result, error) {
	start := f.now()
	target := urlStr
	skipped := false
	lastStatus := http.StatusBadGateway

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		// The give-up budget wins over the remaining attempt budget:
		// better to hand the player an empty segment than block it.
		if f.now().Sub(start) >= f.giveUpAfter {
			f.log.Warn("segment give-up", "url", target, "attempts", attempt-1)
			return &Result{Response: emptySegment(urlStr), Attempts: attempt - 1, Skipped: skipped, GaveUp: true}, nil
		}

		resp, err := f.client.Get(ctx, target, referer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.log.Debug("segment attempt failed", "url", target, "attempt", attempt, "error", err)
		} else if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			return &Result{Response: streamResponse(resp, target), Attempts: attempt, Skipped: skipped}, nil
		} else {
			lastStatus = resp.StatusCode
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			// A 404 on the first try usually means the live window
			// already moved past this segment. Probe the next index
			// and chase the edge instead of hammering a gone URL.
			if attempt == 1 && resp.StatusCode == http.StatusNotFound {
				if next, ok := nextSegmentURL(target); ok && f.probe(ctx, next, referer) {
					f.log.Info("segment behind live edge, skipping ahead", "from", target, "to", next)
					target = next
					skipped = true
					continue
				}
			}
			f.log.Debug("segment attempt rejected", "url", target, "attempt", attempt, "status", resp.StatusCode)
		}

		if attempt < f.maxAttempts {
			if err := f.sleep(ctx, f.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	f.log.Warn("segment retries exhausted", "url", target, "status", lastStatus)
	return &Result{
		Response: &types.StreamResponse{
			ContentType: ContentTypeFor(urlStr),
			StatusCode:  lastStatus,
			Body:        io.NopCloser(strings.NewReader("")),
		},
		Attempts: f.maxAttempts,
		Skipped:  skipped,
	}, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := f.backoffBase
	for i := 1; i < attempt; i++ {
		d = d * 3 / 2
		if d >= f.backoffMax {
			return f.backoffMax
		}
	}
	if d > f.backoffMax {
		return f.backoffMax
	}
	return d
}

func (f *Fetcher) probe(ctx context.Context, urlStr, referer string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := f.client.Head(probeCtx, urlStr, referer)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// nextSegmentURL increments a trailing numeric index in the segment name,
// preserving zero padding: seg0042.ts becomes seg0043.ts. Returns false for
// names without a numeric index.
func nextSegmentURL(urlStr string) (string, bool) {
	base := urlStr
	query := ""
	if idx := strings.Index(base, "?"); idx >= 0 {
		query = base[idx:]
		base = base[:idx]
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	end := len(stem)
	startIdx := end
	for startIdx > 0 && stem[startIdx-1] >= '0' && stem[startIdx-1] <= '9' {
		startIdx--
	}
	if startIdx == end {
		return "", false
	}

	digits := stem[startIdx:end]
	n := 0
	for _, c := range digits {
		n = n*10 + int(c-'0')
	}
	return fmt.Sprintf("%s%0*d%s%s", stem[:startIdx], len(digits), n+1, ext, query), true
}

func streamResponse(resp *http.Response, urlStr string) *types.StreamResponse {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeFor(urlStr)
	}
	return &types.StreamResponse{
		ContentType: contentType,
		Headers:     httpclient.PassthroughHeaders(resp.Header),
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}
}

func emptySegment(urlStr string) *types.StreamResponse {
	return &types.StreamResponse{
		ContentType: ContentTypeFor(urlStr),
		StatusCode:  http.StatusOK,
		Body:        io.NopCloser(strings.NewReader("")),
	}
}

// CountBody wraps a body so done receives the byte count exactly once, when
// the stream ends or the reader is closed.
func CountBody(rc io.ReadCloser, done func(n int64)) io.ReadCloser {
	return &countingBody{rc: rc, done: done}
}

type countingBody struct {
	rc   io.ReadCloser
	n    int64
	done func(int64)
	once sync.Once
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	if err == io.EOF {
		c.finish()
	}
	return n, err
}

func (c *countingBody) Close() error {
	err := c.rc.Close()
	c.finish()
	return err
}

func (c *countingBody) finish() {
	c.once.Do(func() {
		if c.done != nil {
			c.done(c.n)
		}
	})
}
