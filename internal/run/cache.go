package run

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const summaryCacheTTL = 30 * time.Second

// SummaryCache caches per-namespace run summaries in redis. A nil client
// disables caching entirely; every lookup then falls through to SQL.
type SummaryCache struct {
	client *redis.Client
}

// NewSummaryCache constructs a cache. client may be nil.
func NewSummaryCache(client *redis.Client) *SummaryCache {
	return &SummaryCache{client: client}
}

func summaryKey(namespace string) string {
	return "run:summary:" + namespace
}

// Get returns the cached summary, or nil on miss or cache failure.
func (c *SummaryCache) Get(ctx context.Context, namespace string) *Summary {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, summaryKey(namespace)).Bytes()
	if err != nil {
		return nil
	}
	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil
	}
	return &summary
}

// Set stores the summary. Failures are ignored; the cache is advisory.
func (c *SummaryCache) Set(ctx context.Context, summary *Summary) {
	if c == nil || c.client == nil || summary == nil {
		return
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return
	}
	c.client.Set(ctx, summaryKey(summary.Namespace), raw, summaryCacheTTL)
}

// Invalidate drops the cached summary for a namespace. Called on every run
// write so readers never see a stale summary past one write.
func (c *SummaryCache) Invalidate(ctx context.Context, namespace string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, summaryKey(namespace))
}
