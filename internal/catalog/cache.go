package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lessonreel/backend/internal/models"
	"github.com/lessonreel/backend/internal/repositories"
)

// Source loads catalog entries, typically from the database.
type Source interface {
	Get(ctx context.Context, videoID string) (models.Video, error)
}

type cacheEntry struct {
	video   models.Video
	expires time.Time
}

// CachingCatalog wraps a Source with a TTL-based in-memory cache. Only found
// videos are cached; misses and failures always go back to the source.
type CachingCatalog struct {
	base Source
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	items map[string]cacheEntry
}

// NewCachingCatalog returns a catalog that caches lookups for the provided TTL.
func NewCachingCatalog(base Source, ttl time.Duration) *CachingCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingCatalog{
		base:  base,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]cacheEntry),
	}
}

// Get returns the cached video when fresh, otherwise it loads it from the
// underlying source. Concurrent misses for the same id share one load.
func (c *CachingCatalog) Get(ctx context.Context, videoID string) (models.Video, error) {
	if c == nil || c.base == nil {
		return models.Video{}, ErrSourceUnavailable
	}

	c.mu.RLock()
	entry, ok := c.items[videoID]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.video, nil
	}

	result, err, _ := c.group.Do(videoID, func() (interface{}, error) {
		video, err := c.base.Get(ctx, videoID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) || errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, videoID)
			}
			return nil, err
		}

		c.mu.Lock()
		c.items[videoID] = cacheEntry{video: video, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()

		return video, nil
	})
	if err != nil {
		return models.Video{}, err
	}

	return result.(models.Video), nil
}

// Invalidate drops any cached entry for videoID.
func (c *CachingCatalog) Invalidate(videoID string) {
	c.mu.Lock()
	delete(c.items, videoID)
	c.mu.Unlock()
}
