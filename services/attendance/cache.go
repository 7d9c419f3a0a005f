package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"attendance_go/utils"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// AggregateCache caches DayAggregates between writes.
type AggregateCache interface {
	Get(ctx context.Context, classID string, date time.Time) (*DayAggregate, bool)
	Set(ctx context.Context, agg DayAggregate)
	Invalidate(ctx context.Context, classID string, date time.Time)
}

// RedisAggregateCache stores aggregates as JSON with a TTL. A nil client disables it.
type RedisAggregateCache struct {
	client *redis.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

func NewRedisAggregateCache(client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *RedisAggregateCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisAggregateCache{client: client, ttl: ttl, log: log}
}

func aggregateKey(classID string, date time.Time) string {
	return fmt.Sprintf("attendance:day:%s:%s", classID, utils.FormatDate(date))
}

func (c *RedisAggregateCache) Get(ctx context.Context, classID string, date time.Time) (*DayAggregate, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, aggregateKey(classID, date)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Warn("day aggregate cache read failed")
		}
		return nil, false
	}
	var agg DayAggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, false
	}
	return &agg, true
}

func (c *RedisAggregateCache) Set(ctx context.Context, agg DayAggregate) {
	if c == nil || c.client == nil {
		return
	}
	b, err := json.Marshal(agg)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, aggregateKey(agg.ClassID, agg.Date), b, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("day aggregate cache write failed")
	}
}

func (c *RedisAggregateCache) Invalidate(ctx context.Context, classID string, date time.Time) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, aggregateKey(classID, date)).Err(); err != nil {
		c.log.WithError(err).Warn("day aggregate cache invalidation failed")
	}
}
