package fetcher

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	gameReleaseKey    = "latest_game_release"
	updaterReleaseKey = "latest_updater_release"
)

// CachedFetcher memoizes release lookups for a configured lifespan so bursts
// of version queries do not each hit the release repositories. The mutex is
// held across the refresh, collapsing concurrent misses into one upstream
// request.
type CachedFetcher struct {
	mu      sync.Mutex
	fetcher *Fetcher
	cache   *gocache.Cache
}

func NewCached(fetcher *Fetcher, lifespan time.Duration) *CachedFetcher {
	return &CachedFetcher{
		fetcher: fetcher,
		cache:   gocache.New(lifespan, 2*lifespan),
	}
}

func (c *CachedFetcher) LatestGameRelease(ctx context.Context) (*GameRelease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache.Get(gameReleaseKey); ok {
		return cached.(*GameRelease), nil
	}
	release, err := c.fetcher.LatestGameRelease(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(gameReleaseKey, release)
	return release, nil
}

func (c *CachedFetcher) LatestUpdaterRelease(ctx context.Context) (Assets, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache.Get(updaterReleaseKey); ok {
		return cached.(Assets), nil
	}
	assets, err := c.fetcher.LatestUpdaterRelease(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(updaterReleaseKey, assets)
	return assets, nil
}
