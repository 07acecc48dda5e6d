package manager

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examslots/internal/availability"
	"examslots/internal/booking"
	"examslots/internal/db"
	"examslots/internal/events"
	"examslots/internal/model"
	"examslots/internal/store"
)

// 2026-01-12 is a Monday.
var fixedNow = time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

type fixture struct {
	mgr      *Service
	bookings *booking.Service
	avail    *availability.Aggregator
	db       *db.DB
	bus      *events.EventBus
	seen     []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "manager.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{db: database, bus: events.NewEventBus(logger)}
	f.bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		f.seen = append(f.seen, e)
		return nil
	})
	clock := func() time.Time { return fixedNow }
	f.mgr = NewService(database, f.bus, logger).UseClock(clock)
	f.bookings = booking.NewService(database, f.bus, logger).UseClock(clock)
	f.avail = availability.NewAggregator(database, logger).UseClock(clock, time.UTC)
	return f
}

func (f *fixture) countEvents(typ events.Type) int {
	n := 0
	for _, e := range f.seen {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func bulkRequest() BulkRequest {
	return BulkRequest{
		DateRanges: []DateRange{{From: day("2026-01-12"), To: day("2026-01-18")}},
		Windows: []TimeWindow{
			{StartTime: "09:00", EndTime: "12:00", AllowedDurations: []int{120, 60}},
			{StartTime: "14:00", DurationMinutes: 90},
		},
		LocationName:  " Hall A ",
		RowStart:      1,
		RowEnd:        10,
		DayExceptions: []int{5, 6},
	}
}

func TestBulkCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.BulkCreate(ctx, bulkRequest())
	require.NoError(t, err)
	// 7 days minus Friday and Saturday, two windows each.
	require.Len(t, created, 10)

	for _, s := range created {
		assert.NotEqual(t, time.Friday, s.Date.Weekday())
		assert.NotEqual(t, time.Saturday, s.Date.Weekday())
		assert.Equal(t, "Hall A", s.LocationName)
		assert.True(t, s.IsActive)
	}

	window := created[0]
	assert.Equal(t, "12:00", window.EndTime)
	assert.Equal(t, []int{60, 120}, window.AllowedDurations)
	assert.Equal(t, 180, window.DurationMinutes)

	legacy := created[1]
	assert.Empty(t, legacy.EndTime)
	assert.Equal(t, 90, legacy.DurationMinutes)

	stored, err := f.db.SlotsBetween(ctx, day("2026-01-01"), day("2026-01-31"))
	require.NoError(t, err)
	assert.Len(t, stored, 10)
	assert.Equal(t, 10, f.countEvents(events.SlotCreated))

	dates, err := f.avail.AvailableDates(ctx, day("2026-01-12"), day("2026-01-18"))
	require.NoError(t, err)
	assert.Len(t, dates, 5)
}

func TestBulkCreate_RejectsWholeBatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *BulkRequest)
		want   error
	}{
		{"window ends before start", func(r *BulkRequest) { r.Windows[0].EndTime = "08:00" }, model.ErrInvalidWindow},
		{"duration longer than window", func(r *BulkRequest) { r.Windows[0].AllowedDurations = []int{60, 240} }, model.ErrInvalidWindow},
		{"zero duration", func(r *BulkRequest) { r.Windows[0].AllowedDurations = []int{0} }, model.ErrInvalidWindow},
		{"no durations", func(r *BulkRequest) { r.Windows[0].AllowedDurations = nil }, model.ErrInvalidWindow},
		{"legacy without duration", func(r *BulkRequest) { r.Windows[1].DurationMinutes = 0 }, model.ErrInvalidWindow},
		{"bad clock", func(r *BulkRequest) { r.Windows[1].StartTime = "2pm" }, model.ErrInvalidTimeFormat},
		{"no windows", func(r *BulkRequest) { r.Windows = nil }, model.ErrInvalidWindow},
		{"row start zero", func(r *BulkRequest) { r.RowStart = 0 }, model.ErrInvalidRowRange},
		{"row end before start", func(r *BulkRequest) { r.RowStart, r.RowEnd = 5, 4 }, model.ErrInvalidRowRange},
		{"reversed dates", func(r *BulkRequest) {
			r.DateRanges = append(r.DateRanges, DateRange{From: day("2026-02-10"), To: day("2026-02-01")})
		}, model.ErrInvalidDateRange},
		{"no dates", func(r *BulkRequest) { r.DateRanges = nil }, model.ErrInvalidDateRange},
		{"bad weekday", func(r *BulkRequest) { r.DayExceptions = []int{7} }, model.ErrInvalidDateRange},
		{"no location", func(r *BulkRequest) { r.LocationName = "  " }, model.ErrInvalidLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			req := bulkRequest()
			tt.mutate(&req)
			_, err := f.mgr.BulkCreate(ctx, req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			stored, err := f.db.SlotsBetween(ctx, day("2026-01-01"), day("2026-12-31"))
			require.NoError(t, err)
			assert.Empty(t, stored)
		})
	}
}

func TestCreateSlot_Repeat(t *testing.T) {
	f := newFixture(t)
	until := day("2026-01-14")

	created, err := f.mgr.CreateSlot(context.Background(), SlotInput{
		TimeWindow:   TimeWindow{StartTime: "10:00", DurationMinutes: 60},
		Date:         day("2026-01-12"),
		LocationName: "Lab",
		RowStart:     1,
		RowEnd:       3,
		RepeatUntil:  &until,
	})
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Equal(t, day("2026-01-14"), created[2].Date)
}

func TestUpdateSlotAndSetActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.BulkCreate(ctx, BulkRequest{
		DateRanges:   []DateRange{{From: day("2026-01-13"), To: day("2026-01-13")}},
		Windows:      []TimeWindow{{StartTime: "09:00", EndTime: "12:00", AllowedDurations: []int{60}}},
		LocationName: "Hall A",
		RowStart:     1,
		RowEnd:       10,
	})
	require.NoError(t, err)
	id := created[0].ID

	end := "13:00"
	loc := "Hall B"
	updated, err := f.mgr.UpdateSlot(ctx, id, SlotPatch{EndTime: &end, LocationName: &loc, AllowedDurations: []int{60, 240}})
	require.NoError(t, err)
	assert.Equal(t, 240, updated.DurationMinutes)
	assert.Equal(t, "Hall B", updated.LocationName)

	bad := 0
	_, err = f.mgr.UpdateSlot(ctx, id, SlotPatch{RowStart: &bad})
	assert.True(t, errors.Is(err, model.ErrInvalidRowRange))

	_, err = f.mgr.UpdateSlot(ctx, "missing", SlotPatch{LocationName: &loc})
	assert.True(t, errors.Is(err, model.ErrSlotNotFound))

	n, err := f.mgr.SetActive(ctx, []string{id, "missing"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := f.mgr.ListSlots(ctx, day("2026-01-01"), day("2026-01-31"), false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := f.mgr.ListSlots(ctx, day("2026-01-01"), day("2026-01-31"), true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
}

func TestDelete_CascadesAndTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.BulkCreate(ctx, BulkRequest{
		DateRanges:   []DateRange{{From: day("2026-01-13"), To: day("2026-01-13")}},
		Windows:      []TimeWindow{{StartTime: "09:00", EndTime: "12:00", AllowedDurations: []int{60}}},
		LocationName: "Hall A",
		RowStart:     1,
		RowEnd:       10,
	})
	require.NoError(t, err)
	slot := created[0]

	contact := model.Contact{FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}
	var ids []string
	for _, row := range []int{1, 2, 3} {
		b, err := f.bookings.Create(ctx, booking.CreateRequest{
			ExamSlotID: slot.ID, StartTime: "09:00", DurationMinutes: 60,
			SelectedRows: []int{row}, Contact: contact,
		})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	_, err = f.bookings.Cancel(ctx, ids[2])
	require.NoError(t, err)

	summary, err := f.mgr.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ConfirmedBookings)
	assert.Equal(t, []int{1, 2}, summary.BookedRows)

	res, err := f.mgr.Delete(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, 3, res.Tombstoned)

	for _, id := range ids {
		b, err := f.db.GetBooking(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, b.Status)
		assert.True(t, b.IsTombstoned())
		require.NotNil(t, b.PreservedSlotDate)
		assert.Equal(t, slot.Date, *b.PreservedSlotDate)
		assert.Equal(t, "Hall A", b.PreservedLocationName)
	}

	_, err = f.db.GetSlot(ctx, slot.ID)
	assert.True(t, errors.Is(err, model.ErrSlotNotFound))

	views, err := f.avail.AvailableSlots(ctx, slot.Date, availability.Query{})
	require.NoError(t, err)
	assert.Empty(t, views)
	dates, err := f.avail.AvailableDates(ctx, slot.Date, slot.Date)
	require.NoError(t, err)
	assert.Empty(t, dates)

	// 1 user cancel + 2 cascade cancels.
	assert.Equal(t, 3, f.countEvents(events.BookingCancelled))
	assert.Equal(t, 1, f.countEvents(events.SlotDeleted))

	_, err = f.mgr.Delete(ctx, slot.ID)
	assert.True(t, errors.Is(err, model.ErrSlotNotFound))
}

var errWriteFailed = errors.New("disk I/O error")

// flakyStore fails the failOn-th booking update made inside a transaction.
type flakyStore struct {
	store.Store
	failOn int
	calls  int
}

func (s *flakyStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(&flakyTx{Tx: tx, owner: s})
	})
}

type flakyTx struct {
	store.Tx
	owner *flakyStore
}

func (t *flakyTx) UpdateBooking(ctx context.Context, b *model.Booking) error {
	t.owner.calls++
	if t.owner.calls == t.owner.failOn {
		return errWriteFailed
	}
	return t.Tx.UpdateBooking(ctx, b)
}

func TestDelete_FailedCascadeLeavesSlotAndBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.BulkCreate(ctx, BulkRequest{
		DateRanges:   []DateRange{{From: day("2026-01-13"), To: day("2026-01-13")}},
		Windows:      []TimeWindow{{StartTime: "09:00", EndTime: "12:00", AllowedDurations: []int{60}}},
		LocationName: "Hall A",
		RowStart:     1,
		RowEnd:       10,
	})
	require.NoError(t, err)
	slot := created[0]

	contact := model.Contact{FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}
	var ids []string
	for _, row := range []int{1, 2, 3} {
		b, err := f.bookings.Create(ctx, booking.CreateRequest{
			ExamSlotID: slot.ID, StartTime: "09:00", DurationMinutes: 60,
			SelectedRows: []int{row}, Contact: contact,
		})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	before := len(f.seen)

	flaky := &flakyStore{Store: f.db, failOn: 2}
	mgr := NewService(flaky, f.bus, zerolog.New(io.Discard)).UseClock(func() time.Time { return fixedNow })

	res, err := mgr.Delete(ctx, slot.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errWriteFailed))
	assert.Equal(t, DeleteResult{SlotID: slot.ID}, res)
	assert.Equal(t, 2, flaky.calls)

	_, err = f.db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	for _, id := range ids {
		b, err := f.db.GetBooking(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusConfirmed, b.Status)
		assert.Equal(t, slot.ID, b.SlotID())
		assert.Nil(t, b.PreservedSlotDate)
		assert.Empty(t, b.PreservedLocationName)
	}
	assert.Len(t, f.seen, before, "no events for a rolled back cascade")

	views, err := f.avail.AvailableSlots(ctx, slot.Date, availability.Query{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, []int{1, 2, 3}, views[0].BookedRows)

	res, err = f.mgr.Delete(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Cancelled)
}

func TestBulkDelete_ReportsFailuresPerSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.BulkCreate(ctx, BulkRequest{
		DateRanges:   []DateRange{{From: day("2026-01-13"), To: day("2026-01-14")}},
		Windows:      []TimeWindow{{StartTime: "09:00", DurationMinutes: 60}},
		LocationName: "Hall A",
		RowStart:     1,
		RowEnd:       4,
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	res, err := f.mgr.BulkDelete(ctx, []string{created[0].ID, "missing", created[1].ID})
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].SlotID)
}
