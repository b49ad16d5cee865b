// Package cache keeps a Redis sorted set of recently delivered queue items for
// the admin view. The queue store stays the source of truth; the cache only
// holds ids.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/webportal/mailqueue/pkg/mail"
)

const (
	// DefaultKey is the sorted set holding sent item ids scored by sent time.
	DefaultKey = "mailqueue:sent"
	// DefaultLimit is the number of ids kept.
	DefaultLimit = 10000
)

// ErrDisabled is returned by reads when no Redis client is configured.
var ErrDisabled = errors.New("recent deliveries cache is disabled")

// RecentDeliveries records sent items. A nil client turns every write into a
// no-op and every read into ErrDisabled.
type RecentDeliveries struct {
	client *redis.Client
	key    string
	limit  int64
}

var _ mail.OutcomeHook = (*RecentDeliveries)(nil)

// NewRecentDeliveries creates the cache. client may be nil.
func NewRecentDeliveries(client *redis.Client) *RecentDeliveries {
	return &RecentDeliveries{client: client, key: DefaultKey, limit: DefaultLimit}
}

// Enabled reports whether a Redis client is attached.
func (r *RecentDeliveries) Enabled() bool {
	return r != nil && r.client != nil
}

// OnOutcome adds sent items to the set and trims it to the configured size.
func (r *RecentDeliveries) OnOutcome(ctx context.Context, o mail.Outcome) error {
	if !r.Enabled() || o.Kind != mail.OutcomeSent {
		return nil
	}
	at := o.At
	if o.Item.SentAt != nil {
		at = *o.Item.SentAt
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.key, redis.Z{Score: float64(at.UnixMilli()), Member: o.Item.ID})
	// Keep only the newest r.limit members; rank 0 is the oldest.
	pipe.ZRemRangeByRank(ctx, r.key, 0, -(r.limit + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record sent item %s: %w", o.Item.ID, err)
	}
	return nil
}

// Page returns ids of recently sent items, newest first, and the number of ids held.
func (r *RecentDeliveries) Page(ctx context.Context, page, pageSize int) ([]string, int64, error) {
	if !r.Enabled() {
		return nil, 0, ErrDisabled
	}
	f := mail.ListFilter{Page: page, PageSize: pageSize}.Normalize()

	total, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count recent deliveries: %w", err)
	}

	start := int64(f.Offset())
	stop := start + int64(f.PageSize) - 1
	ids, err := r.client.ZRevRange(ctx, r.key, start, stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read recent deliveries: %w", err)
	}
	return ids, total, nil
}
