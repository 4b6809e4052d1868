package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/lotledger/internal/platform/cache"
)

const (
	cacheClassListing = "listing"
	cacheClassSummary = "summary"

	itemKeyPrefix   = "inventory:item:"
	searchKeyPrefix = "inventory:search:"
	locationsKey    = "inventory:locations"
	summaryKey      = "inventory:summary"
)

// ReadCache fronts the query surface. Listing entries are dropped on every
// mutation of the items they cover; the summary entry only expires.
type ReadCache struct {
	local       *cache.Local
	broadcaster *cache.Broadcaster
	listingTTL  time.Duration
	summaryTTL  time.Duration
	logger      *slog.Logger
}

// NewReadCache wires the local cache and an optional broadcaster.
func NewReadCache(local *cache.Local, broadcaster *cache.Broadcaster, listingTTL, summaryTTL time.Duration, logger *slog.Logger) *ReadCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadCache{
		local:       local,
		broadcaster: broadcaster,
		listingTTL:  listingTTL,
		summaryTTL:  summaryTTL,
		logger:      logger,
	}
}

func itemKey(itemCode string) string {
	return itemKeyPrefix + itemCode
}

func searchKey(filter SearchFilter) string {
	return searchKeyPrefix + filter.ItemCode + "|" + filter.Location
}

// invalidationKeys lists the listing entries a mutation of itemCodes makes stale.
func invalidationKeys(itemCodes ...string) []string {
	keys := make([]string, 0, len(itemCodes)+2)
	for _, code := range itemCodes {
		if code != "" {
			keys = append(keys, itemKey(code))
		}
	}
	return append(keys, searchKeyPrefix+"*", locationsKey)
}

func (c *ReadCache) store() *cache.Local {
	if c == nil {
		return nil
	}
	return c.local
}

func (c *ReadCache) ttl(class string) time.Duration {
	if c == nil {
		return 0
	}
	if class == cacheClassSummary {
		return c.summaryTTL
	}
	return c.listingTTL
}

// Invalidate drops the listing entries of itemCodes locally and on peers.
func (c *ReadCache) Invalidate(ctx context.Context, itemCodes ...string) {
	if c == nil {
		return
	}
	keys := invalidationKeys(itemCodes...)
	c.local.Delete(keys...)
	if err := c.broadcaster.Publish(context.WithoutCancel(ctx), keys...); err != nil {
		c.logger.Warn("inventory cache broadcast failed", slog.Any("error", err), slog.Any("keys", keys))
	}
}

func fetchCached[T any](ctx context.Context, c *ReadCache, class, key string, loader func(context.Context) (T, error)) (T, error) {
	return cache.Fetch(ctx, c.store(), class, key, c.ttl(class), loader)
}
