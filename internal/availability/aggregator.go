// Package availability answers read-only "what can still be booked" queries.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"examslots/internal/conflict"
	"examslots/internal/metrics"
	"examslots/internal/model"
	"examslots/internal/slots"
)

// Reader is the subset of the store the aggregator needs.
type Reader interface {
	SlotsBetween(ctx context.Context, from, to time.Time) ([]model.ExamSlot, error)
	ConfirmedBookings(ctx context.Context, slotID string) ([]model.Booking, error)
}

// DatesCache memoises AvailableDates results.
type DatesCache interface {
	// GetDates returns the cached dates and the cache generation the lookup
	// saw; that generation is handed back to SetDates.
	GetDates(ctx context.Context, from, to time.Time) ([]time.Time, int64, bool)
	SetDates(ctx context.Context, gen int64, from, to time.Time, dates []time.Time)
}

// Query narrows AvailableSlots.
type Query struct {
	// DurationMinutes keeps only slots offering this duration; 0 keeps all.
	DurationMinutes int
	// ExcludeBookingID leaves one booking out of every aggregate, so a booking
	// being rescheduled sees its own rows as free.
	ExcludeBookingID string
}

// BookedTimeSlot is a time range already holding rows on a window slot.
type BookedTimeSlot struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration int    `json:"duration"`
	Rows     []int  `json:"rows"`
}

// StartOption is one selectable start time with the rows still free then.
type StartOption struct {
	Start    string `json:"start"`
	FreeRows []int  `json:"free_rows"`
}

// SlotView is a slot plus its current booking state.
type SlotView struct {
	model.ExamSlot
	IsLegacy      bool  `json:"is_legacy"`
	TotalRows     int   `json:"total_rows"`
	BookedRows    []int `json:"booked_rows"`
	RemainingRows int   `json:"remaining_rows"`
	// AvailableRows is optimistic for window slots: the full range is listed
	// and the conflict check at booking time is authoritative.
	AvailableRows   []int            `json:"available_rows"`
	BookedTimeSlots []BookedTimeSlot `json:"booked_time_slots,omitempty"`
	StartOptions    []StartOption    `json:"start_options,omitempty"`
}

// Aggregator computes availability from stored slots and bookings.
type Aggregator struct {
	store       Reader
	cache       DatesCache
	now         func() time.Time
	loc         *time.Location
	granularity int
	logger      zerolog.Logger
}

func NewAggregator(store Reader, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:       store,
		now:         time.Now,
		loc:         time.UTC,
		granularity: slots.DefaultGranularity,
		logger:      logger.With().Str("component", "availability").Logger(),
	}
}

// UseCache configures optional caching for AvailableDates.
func (a *Aggregator) UseCache(c DatesCache) *Aggregator {
	a.cache = c
	return a
}

// UseClock replaces time.Now and the location that decides the current day.
func (a *Aggregator) UseClock(now func() time.Time, loc *time.Location) *Aggregator {
	a.now = now
	if loc != nil {
		a.loc = loc
	}
	return a
}

// UseGranularity sets the step between offered start times.
func (a *Aggregator) UseGranularity(minutes int) *Aggregator {
	if minutes > 0 {
		a.granularity = minutes
	}
	return a
}

// Today is the current calendar day as UTC midnight.
func (a *Aggregator) Today() time.Time {
	return model.DateOf(a.now().In(a.loc))
}

// bookable returns the active, non-excepted slots on the given days.
func (a *Aggregator) bookable(ctx context.Context, from, to time.Time) ([]model.ExamSlot, error) {
	all, err := a.store.SlotsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	out := all[:0]
	for i := range all {
		if all[i].IsActive && !all[i].IsExceptedDay() {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (a *Aggregator) shape(slot *model.ExamSlot) (slots.Shape, bool) {
	s, err := slots.ShapeOf(slot)
	if err != nil {
		a.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("skipping malformed slot")
		return nil, false
	}
	return s, true
}

// AvailableDurations returns the sorted union of durations offered on date.
func (a *Aggregator) AvailableDurations(ctx context.Context, date time.Time) ([]int, error) {
	date = model.DateOf(date)
	if date.Before(a.Today()) {
		return []int{}, nil
	}

	list, err := a.bookable(ctx, date, date)
	if err != nil {
		return nil, err
	}

	var sets [][]int
	for i := range list {
		if _, ok := a.shape(&list[i]); !ok {
			continue
		}
		sets = append(sets, slots.DurationsOffered(&list[i]))
	}
	out := slots.UnionDurations(sets...)
	if out == nil {
		out = []int{}
	}
	return out, nil
}

// AvailableSlots describes every bookable slot on date.
func (a *Aggregator) AvailableSlots(ctx context.Context, date time.Time, q Query) ([]SlotView, error) {
	date = model.DateOf(date)
	if date.Before(a.Today()) {
		return []SlotView{}, nil
	}

	list, err := a.bookable(ctx, date, date)
	if err != nil {
		return nil, err
	}

	views := make([]SlotView, 0, len(list))
	for i := range list {
		slot := &list[i]
		shape, ok := a.shape(slot)
		if !ok {
			continue
		}
		if q.DurationMinutes > 0 && !slots.Offers(shape, q.DurationMinutes) {
			continue
		}

		bookings, err := a.store.ConfirmedBookings(ctx, slot.ID)
		if err != nil {
			return nil, fmt.Errorf("bookings for slot %s: %w", slot.ID, err)
		}
		views = append(views, a.view(slot, shape, bookings, q))
	}
	return views, nil
}

func (a *Aggregator) view(slot *model.ExamSlot, shape slots.Shape, bookings []model.Booking, q Query) SlotView {
	v := SlotView{
		ExamSlot:  *slot,
		TotalRows: slots.RowCount(slot),
	}

	switch s := shape.(type) {
	case slots.Legacy:
		v.IsLegacy = true
		v.BookedRows = bookedRows(slot, bookings, q.ExcludeBookingID)
		v.RemainingRows = v.TotalRows - len(v.BookedRows)
		v.AvailableRows = conflict.FreeRows(slot, s, s.Start, s.Duration, bookings, q.ExcludeBookingID)

	case slots.Window:
		v.BookedRows = bookedRows(slot, bookings, q.ExcludeBookingID)
		v.RemainingRows = v.TotalRows
		v.AvailableRows = rowRange(slot)
		for j := range bookings {
			b := &bookings[j]
			if b.ID == q.ExcludeBookingID && q.ExcludeBookingID != "" {
				continue
			}
			w, ok := conflict.Occupied(s, b)
			if !ok {
				continue
			}
			v.BookedTimeSlots = append(v.BookedTimeSlots, BookedTimeSlot{
				Start:    slots.FormatClock(w.Start),
				End:      slots.FormatClock(w.Start + w.Duration),
				Duration: w.Duration,
				Rows:     model.NormalizeRows(b.SelectedRows),
			})
		}
		if q.DurationMinutes > 0 {
			for _, start := range slots.CandidateStartTimes(s.Start, s.End, q.DurationMinutes, a.granularity) {
				v.StartOptions = append(v.StartOptions, StartOption{
					Start:    slots.FormatClock(start),
					FreeRows: conflict.FreeRows(slot, s, start, q.DurationMinutes, bookings, q.ExcludeBookingID),
				})
			}
		}
	}

	if v.BookedRows == nil {
		v.BookedRows = []int{}
	}
	if v.AvailableRows == nil {
		v.AvailableRows = []int{}
	}
	return v
}

// AvailableDates lists the days in [from, to] with at least one bookable slot
// that still has room. from is clamped to today.
func (a *Aggregator) AvailableDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	from, to = model.DateOf(from), model.DateOf(to)
	if today := a.Today(); from.Before(today) {
		from = today
	}
	if to.Before(from) {
		return []time.Time{}, nil
	}

	var gen int64
	if a.cache != nil {
		dates, g, ok := a.cache.GetDates(ctx, from, to)
		if ok {
			metrics.IncCacheHit()
			return dates, nil
		}
		metrics.IncCacheMiss()
		gen = g
	}

	list, err := a.bookable(ctx, from, to)
	if err != nil {
		return nil, err
	}

	dates := []time.Time{}
	for i := range list {
		slot := &list[i]
		if n := len(dates); n > 0 && dates[n-1].Equal(slot.Date) {
			continue
		}
		shape, ok := a.shape(slot)
		if !ok {
			continue
		}

		open := slots.RowCount(slot) > 0
		if _, legacy := shape.(slots.Legacy); legacy && open {
			bookings, err := a.store.ConfirmedBookings(ctx, slot.ID)
			if err != nil {
				return nil, fmt.Errorf("bookings for slot %s: %w", slot.ID, err)
			}
			open = slots.RowCount(slot)-len(bookedRows(slot, bookings, "")) > 0
		}
		if open {
			dates = append(dates, slot.Date)
		}
	}

	if a.cache != nil {
		a.cache.SetDates(ctx, gen, from, to, dates)
	}
	return dates, nil
}

// bookedRows is the union of rows held by confirmed bookings, limited to the slot range.
func bookedRows(slot *model.ExamSlot, bookings []model.Booking, excludeID string) []int {
	var rows []int
	for i := range bookings {
		b := &bookings[i]
		if !b.IsConfirmed() || (excludeID != "" && b.ID == excludeID) {
			continue
		}
		for _, r := range b.SelectedRows {
			if r >= slot.RowStart && r <= slot.RowEnd {
				rows = append(rows, r)
			}
		}
	}
	return model.Distinct(rows)
}

func rowRange(slot *model.ExamSlot) []int {
	rows := make([]int, 0, slots.RowCount(slot))
	for r := slot.RowStart; r <= slot.RowEnd; r++ {
		rows = append(rows, r)
	}
	return rows
}
