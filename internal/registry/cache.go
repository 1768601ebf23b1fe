package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Lister fetches the executor's current tool listing.
type Lister interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
}

// Cache holds the current snapshot and swaps in replacements wholesale.
// Lookups are lock-free and always see one complete snapshot.
type Cache struct {
	lister   Lister
	snap     atomic.Pointer[Snapshot]
	interval time.Duration
	logger   *zap.Logger
}

// NewCache creates a cache that refreshes from lister every interval.
// The cache starts empty; call Start to perform the initial blocking fetch.
func NewCache(lister Lister, interval time.Duration, logger *zap.Logger) *Cache {
	c := &Cache{
		lister:   lister,
		interval: interval,
		logger:   logger,
	}
	c.snap.Store(emptySnapshot())
	return c
}

// Start performs one blocking fetch, then refreshes on the configured
// interval until ctx is cancelled. A failed scheduled refresh keeps the
// previous snapshot authoritative.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("registry: initial fetch: %w", err)
	}
	go c.refreshLoop(ctx)
	return nil
}

func (c *Cache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("tool registry refresh failed, keeping previous snapshot",
					zap.Error(err),
					zap.Time("snapshot_fetched_at", c.snap.Load().FetchedAt),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Refresh fetches the listing and swaps in a fresh snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	tools, err := c.lister.ListTools(ctx)
	if err != nil {
		return err
	}
	c.Populate(tools)
	return nil
}

// Populate builds a snapshot from a listing and publishes it. Also used to
// opportunistically cache tools/list results observed on the relay stream.
func (c *Cache) Populate(tools []ToolInfo) {
	c.snap.Store(NewSnapshot(tools))
	c.logger.Info("tool registry refreshed", zap.Int("tools", len(tools)))
}

// Lookup returns the current entry for a tool name.
func (c *Cache) Lookup(name string) (ToolEntry, bool) {
	return c.snap.Load().Lookup(name)
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}
