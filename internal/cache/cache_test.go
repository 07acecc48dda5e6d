package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examslots/internal/availability"
	"examslots/internal/model"
)

func newTestCache(t *testing.T) (*AvailabilityCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewAvailabilityCache(client, time.Minute, zerolog.New(io.Discard)), mr
}

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

func TestAvailabilityCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	from, to := day("2026-03-01"), day("2026-03-31")

	_, gen, ok := c.GetDates(ctx, from, to)
	assert.False(t, ok)
	assert.Equal(t, int64(0), gen)

	want := []time.Time{day("2026-03-02"), day("2026-03-05")}
	c.SetDates(ctx, gen, from, to, want)

	got, _, ok := c.GetDates(ctx, from, to)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, _, ok = c.GetDates(ctx, from, day("2026-03-30"))
	assert.False(t, ok, "different range is a different key")
}

func TestAvailabilityCache_InvalidateBumpsGeneration(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	from, to := day("2026-03-01"), day("2026-03-31")

	_, gen, _ := c.GetDates(ctx, from, to)
	c.SetDates(ctx, gen, from, to, []time.Time{day("2026-03-02")})
	c.Invalidate(ctx)

	_, next, ok := c.GetDates(ctx, from, to)
	assert.False(t, ok)
	assert.Equal(t, gen+1, next)

	c.SetDates(ctx, next, from, to, nil)
	got, _, ok := c.GetDates(ctx, from, to)
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestAvailabilityCache_SetAfterInvalidateIsNotServed(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	from, to := day("2026-03-01"), day("2026-03-31")

	_, gen, ok := c.GetDates(ctx, from, to)
	require.False(t, ok)

	// a write lands while the result is being computed
	c.Invalidate(ctx)
	c.SetDates(ctx, gen, from, to, []time.Time{day("2026-03-02")})

	_, _, ok = c.GetDates(ctx, from, to)
	assert.False(t, ok)
}

func TestAvailabilityCache_NoGenerationIsNotStored(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	from, to := day("2026-03-01"), day("2026-03-31")

	c.SetDates(ctx, NoGeneration, from, to, []time.Time{day("2026-03-02")})
	assert.Empty(t, mr.Keys())
}

func TestAvailabilityCache_Expires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	from, to := day("2026-03-01"), day("2026-03-31")

	c.SetDates(ctx, 0, from, to, []time.Time{day("2026-03-02")})
	mr.FastForward(2 * time.Minute)

	_, _, ok := c.GetDates(ctx, from, to)
	assert.False(t, ok)
}

func TestAvailabilityCache_RedisDownIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	from, to := day("2026-03-01"), day("2026-03-31")
	c.SetDates(ctx, 0, from, to, []time.Time{day("2026-03-02")})
	c.Invalidate(ctx)
	_, gen, ok := c.GetDates(ctx, from, to)
	assert.False(t, ok)
	assert.Equal(t, NoGeneration, gen)
}

func TestAvailabilityCache_NilIsDisabled(t *testing.T) {
	var c *AvailabilityCache
	ctx := context.Background()

	c.SetDates(ctx, 0, time.Time{}, time.Time{}, nil)
	c.Invalidate(ctx)
	_, _, ok := c.GetDates(ctx, time.Time{}, time.Time{})
	assert.False(t, ok)
}

// fillingReader books every row of the slot right after the aggregator has
// read its bookings, then invalidates the cache the way a booking write does.
type fillingReader struct {
	slot   model.ExamSlot
	cache  *AvailabilityCache
	filled bool
}

func (r *fillingReader) SlotsBetween(context.Context, time.Time, time.Time) ([]model.ExamSlot, error) {
	return []model.ExamSlot{r.slot}, nil
}

func (r *fillingReader) ConfirmedBookings(ctx context.Context, _ string) ([]model.Booking, error) {
	if r.filled {
		return []model.Booking{{
			ID:           "b1",
			Status:       model.StatusConfirmed,
			SelectedRows: []int{1, 2, 3},
		}}, nil
	}
	r.filled = true
	r.cache.Invalidate(ctx)
	return nil, nil
}

func TestAvailableDates_WriteDuringComputeIsNotCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	r := &fillingReader{
		cache: c,
		slot: model.ExamSlot{
			ID:               "legacy",
			Date:             day("2026-01-13"),
			StartTime:        "09:00",
			DurationMinutes:  60,
			AllowedDurations: []int{60},
			RowStart:         1,
			RowEnd:           3,
			IsActive:         true,
		},
	}
	now := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	a := availability.NewAggregator(r, zerolog.New(io.Discard)).
		UseClock(func() time.Time { return now }, time.UTC).
		UseCache(c)

	from, to := day("2026-01-12"), day("2026-01-20")
	first, err := a.AvailableDates(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day("2026-01-13")}, first)

	second, err := a.AvailableDates(ctx, from, to)
	require.NoError(t, err)
	assert.Empty(t, second)
}
