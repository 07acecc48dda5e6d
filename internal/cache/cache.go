// Package cache keeps availability results in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"examslots/internal/model"
)

const (
	keyPrefix     = "examslots:availability"
	generationKey = keyPrefix + ":gen"
)

// AvailabilityCache stores AvailableDates results. Every write to slots or
// bookings bumps a generation counter that is part of each key, so stale
// entries stop being read and simply expire.
type AvailabilityCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewAvailabilityCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *AvailabilityCache {
	return &AvailabilityCache{
		redis:  client,
		ttl:    ttl,
		logger: logger.With().Str("component", "availability_cache").Logger(),
	}
}

func (c *AvailabilityCache) enabled() bool {
	return c != nil && c.redis != nil && c.ttl > 0
}

func (c *AvailabilityCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.redis.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func datesKey(gen int64, from, to time.Time) string {
	return fmt.Sprintf("%s:%d:dates:%s:%s", keyPrefix, gen, from.Format(model.DateLayout), to.Format(model.DateLayout))
}

// NoGeneration marks a lookup whose generation could not be read. SetDates
// ignores it.
const NoGeneration int64 = -1

// GetDates returns a cached result for the range together with the generation
// it was looked up under. On a miss the generation is still returned so the
// caller can store its result with SetDates. Any Redis failure is a miss.
func (c *AvailabilityCache) GetDates(ctx context.Context, from, to time.Time) ([]time.Time, int64, bool) {
	if !c.enabled() {
		return nil, NoGeneration, false
	}
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("read cache generation")
		return nil, NoGeneration, false
	}

	val, err := c.redis.Get(ctx, datesKey(gen, from, to)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("read cached dates")
		}
		return nil, gen, false
	}

	var raw []string
	if err := json.Unmarshal([]byte(val), &raw); err != nil {
		return nil, gen, false
	}
	dates := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := model.ParseDate(s)
		if err != nil {
			return nil, gen, false
		}
		dates = append(dates, d)
	}
	return dates, gen, true
}

// SetDates stores a result under gen, the generation GetDates returned before
// the result was computed. A write that invalidated in between has already
// moved readers to a newer generation, so the stored entry is never served.
func (c *AvailabilityCache) SetDates(ctx context.Context, gen int64, from, to time.Time, dates []time.Time) {
	if !c.enabled() || gen < 0 {
		return
	}

	raw := make([]string, len(dates))
	for i, d := range dates {
		raw[i] = d.Format(model.DateLayout)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, datesKey(gen, from, to), data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("write cached dates")
	}
}

// Invalidate makes every cached result stale.
func (c *AvailabilityCache) Invalidate(ctx context.Context) {
	if !c.enabled() {
		return
	}
	if err := c.redis.Incr(ctx, generationKey).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("bump cache generation")
	}
}
