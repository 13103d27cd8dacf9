package slots

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

const slotCacheKeyPrefix = "slots:slot:"

// CachedCatalog is a read-through Redis cache for GetSlot. Slots are
// immutable once published, so entries only age out by TTL. FindSlots goes
// straight to the backing catalog.
type CachedCatalog struct {
	next   Catalog
	rdb    *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedCatalog(next Catalog, rdb *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedCatalog {
	if next == nil {
		panic("slots: backing catalog required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) FindSlots(ctx context.Context, q Query) (Page, error) {
	return c.next.FindSlots(ctx, q)
}

func (c *CachedCatalog) GetSlot(ctx context.Context, id string) (Slot, error) {
	if c.rdb == nil {
		return c.next.GetSlot(ctx, id)
	}
	key := slotCacheKeyPrefix + id
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var s Slot
		if jsonErr := json.Unmarshal(data, &s); jsonErr == nil {
			return s, nil
		}
		c.logger.Warn("slot cache entry corrupt", "slot_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("slot cache read failed", "slot_id", id, "error", err)
	}

	s, err := c.next.GetSlot(ctx, id)
	if err != nil {
		return Slot{}, err
	}
	if payload, err := json.Marshal(s); err == nil {
		if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("slot cache write failed", "slot_id", id, "error", err)
		}
	}
	return s, nil
}
