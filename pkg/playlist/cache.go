package playlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cast-proxy-go/pkg/logging"
)

// Getter fetches an origin URL with an optional referer.
type Getter interface {
	Get(ctx context.Context, urlStr, referer string) (*http.Response, error)
}

// Result is a manifest served from the cache or freshly fetched.
type Result struct {
	Text   string // rewritten manifest text
	Live   bool
	Hit    bool
	Meta   Metadata
	Status int // origin status for non-200 responses; 200 otherwise
}

type entry struct {
	text      string
	live      bool
	meta      Metadata
	fetchedAt time.Time
}

// Cache caches rewritten manifests with a short TTL for live streams and a
// longer one for VOD. Concurrent fetches for the same URL are deduplicated.
type Cache struct {
	client    Getter
	log       *logging.Logger
	proxyBase string
	ttlLive   time.Duration
	ttlVOD    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	now func() time.Time
}

// NewCache creates a manifest cache.
func NewCache(client Getter, log *logging.Logger, proxyBase string, ttlLive, ttlVOD time.Duration) *Cache {
	return &Cache{
		client:    client,
		log:       log.WithComponent("playlist"),
		proxyBase: proxyBase,
		ttlLive:   ttlLive,
		ttlVOD:    ttlVOD,
		entries:   make(map[string]*entry),
		now:       time.Now,
	}
}

// Get returns the rewritten manifest for a URL, from cache when fresh.
// Freshness is strict: an entry exactly at its TTL is already stale.
func (c *Cache) Get(ctx context.Context, manifestURL, referer string) (*Result, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[manifestURL]; ok && now.Sub(e.fetchedAt) < c.ttl(e.live) {
		c.mu.Unlock()
		return &Result{Text: e.text, Live: e.live, Hit: true, Meta: e.meta, Status: http.StatusOK}, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(manifestURL, func() (any, error) {
		return c.fetch(ctx, manifestURL, referer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Cache) fetch(ctx context.Context, manifestURL, referer string) (*Result, error) {
	resp, err := c.client.Get(ctx, manifestURL, referer)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.log.Warn("origin returned non-200 for manifest", "url", manifestURL, "status", resp.StatusCode)
		return &Result{Status: resp.StatusCode}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	text := string(body)
	live := IsLive(text)
	meta := ParseMetadata(text)
	rewritten := Rewrite(text, manifestURL, referer, c.proxyBase)

	c.mu.Lock()
	c.entries[manifestURL] = &entry{
		text:      rewritten,
		live:      live,
		meta:      meta,
		fetchedAt: c.now(),
	}
	c.mu.Unlock()

	c.log.Debug("cached manifest", "url", manifestURL, "live", live, "bytes", len(body))
	return &Result{Text: rewritten, Live: live, Meta: meta, Status: http.StatusOK}, nil
}

func (c *Cache) ttl(live bool) time.Duration {
	if live {
		return c.ttlLive
	}
	return c.ttlVOD
}

// Len returns the number of cached manifests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweeper evicts expired entries periodically until ctx is done. The
// sweep is a memory bound, not a correctness requirement: Get never serves
// a stale entry regardless.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for url, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl(e.live) {
			delete(c.entries, url)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.log.Debug("swept manifest cache", "removed", removed)
	}
}
