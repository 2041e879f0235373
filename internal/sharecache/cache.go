// Package sharecache answers which paths a recipient has been granted,
// backed by a TTL-bounded snapshot of the identity service's full grant
// list. One cache instance serves the whole server process.
package sharecache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/reelvault/reelvault/internal/utils"
)

// Grant authorizes one recipient to access one path. Directory grants
// cover the whole subtree.
type Grant struct {
	Path        string
	IsDirectory bool
	RecipientID string
}

// Fetcher retrieves the full grant list from the backing identity service.
type Fetcher interface {
	FetchGrants(ctx context.Context) ([]Grant, error)
}

// Cache is a process-wide TTL snapshot of all grants. It holds the global
// set and filters per recipient, trading memory for fewer round trips.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	entries   []Grant
	expiresAt time.Time
	valid     bool
}

// New creates a cache over fetcher with the given TTL. now may be nil,
// in which case time.Now is used; tests inject a fake clock to cross TTL
// boundaries deterministically.
func New(fetcher Fetcher, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		now:     now,
	}
}

// GrantsForRecipient returns the grants held by recipientID. An empty
// recipient id short-circuits to an empty result with no fetch. Fetch
// errors propagate; nothing stale or partial is ever served.
func (c *Cache) GrantsForRecipient(ctx context.Context, recipientID string) ([]Grant, error) {
	if recipientID == "" {
		return nil, nil
	}

	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []Grant
	for _, g := range entries {
		if g.RecipientID == recipientID {
			out = append(out, g)
		}
	}
	return out, nil
}

// AllowsPath reports whether recipientID may access path. File grants
// match exactly; directory grants match the path and everything below it,
// and a grant on the media root covers every path.
func (c *Cache) AllowsPath(ctx context.Context, recipientID, path string) (bool, error) {
	grants, err := c.GrantsForRecipient(ctx, recipientID)
	if err != nil {
		return false, err
	}

	path = utils.NormalizeRelativePath(path)
	for _, g := range grants {
		if !g.IsDirectory {
			if path == g.Path {
				return true, nil
			}
			continue
		}
		if g.Path == "" || path == g.Path || strings.HasPrefix(path, g.Path+"/") {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate discards the current snapshot. The next query refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.entries = nil
	c.mu.Unlock()

	slog.Debug("share cache invalidated")
}

// snapshot returns a fresh grant list, refreshing at most once however
// many callers arrive concurrently.
func (c *Cache) snapshot(ctx context.Context) ([]Grant, error) {
	if entries, ok := c.fresh(); ok {
		return entries, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		// A caller that queued behind the winning refresh finds the
		// snapshot already fresh.
		if entries, ok := c.fresh(); ok {
			return entries, nil
		}

		grants, err := c.fetcher.FetchGrants(ctx)
		if err != nil {
			return nil, err
		}
		for i := range grants {
			grants[i].Path = utils.NormalizeRelativePath(grants[i].Path)
		}

		expires := c.now().Add(c.ttl)
		c.mu.Lock()
		c.entries = grants
		c.expiresAt = expires
		c.valid = true
		c.mu.Unlock()

		slog.Debug("share cache refreshed", "grants", len(grants), "expires_at", expires)
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Grant), nil
}

func (c *Cache) fresh() ([]Grant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.valid && c.now().Before(c.expiresAt) {
		return c.entries, true
	}
	return nil, false
}
