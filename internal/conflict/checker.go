// Package conflict decides whether a candidate booking can be placed on an exam slot.
package conflict

import (
	"examslots/internal/model"
	"examslots/internal/slots"
)

// Candidate is a requested booking window and row set.
type Candidate struct {
	Start    int // minutes since midnight
	Duration int // minutes
	Rows     []int
}

// Check validates the candidate against the slot and the slot's other bookings.
// Only CONFIRMED bookings take part; the booking with excludeID (if any) is
// ignored so a reschedule never collides with itself.
//
// A nil result accepts the candidate. Rejections are *model.Error values.
func Check(slot *model.ExamSlot, c Candidate, existing []model.Booking, excludeID string) error {
	if !slot.IsActive {
		return model.Errorf(model.KindSlotInactive, "slot %s is not active", slot.ID)
	}

	shape, err := slots.ShapeOf(slot)
	if err != nil {
		return err
	}

	if !shape.Contains(c.Start, c.Duration) {
		return model.Errorf(model.KindOutOfWindow, "%s for %d min does not fit the slot",
			slots.FormatClock(c.Start), c.Duration)
	}

	if !slots.Offers(shape, c.Duration) {
		return model.Errorf(model.KindDurationNotAllowed, "duration %d min is not offered (allowed: %v)",
			c.Duration, shape.Offered())
	}

	rows := model.NormalizeRows(c.Rows)
	if len(rows) == 0 {
		return model.Errorf(model.KindNoRowsSelected, "at least one row must be selected")
	}
	if bad := rowsOutside(rows, slot.RowStart, slot.RowEnd); len(bad) > 0 {
		e := model.Errorf(model.KindRowOutOfRange, "valid range is %d-%d", slot.RowStart, slot.RowEnd)
		e.Rows = bad
		return e
	}

	for i := range existing {
		b := &existing[i]
		if !b.IsConfirmed() || (excludeID != "" && b.ID == excludeID) {
			continue
		}

		other, ok := Occupied(shape, b)
		if !ok || !collides(shape, c.Start, c.Duration, other) {
			continue
		}

		if shared := model.IntersectRows(rows, b.SelectedRows); len(shared) > 0 {
			e := model.Errorf(model.KindRowTimeConflict, "rows already booked %s-%s",
				slots.FormatClock(other.Start), slots.FormatClock(other.Start+other.Duration))
			e.Rows = shared
			e.Window = &other
			return e
		}
	}

	return nil
}

// Occupied resolves the window an existing booking holds on the slot. Legacy
// slots are fully occupied by every booking. For window slots a booking with an
// unparsable start or missing duration contributes nothing.
func Occupied(shape slots.Shape, b *model.Booking) (model.TimeRange, bool) {
	switch s := shape.(type) {
	case slots.Legacy:
		return model.TimeRange{Start: s.Start, Duration: s.Duration}, true
	case slots.Window:
		start, err := slots.ParseClock(b.BookingStartTime)
		if err != nil || b.BookingDurationMinutes <= 0 {
			return model.TimeRange{}, false
		}
		return model.TimeRange{Start: start, Duration: b.BookingDurationMinutes}, true
	}
	return model.TimeRange{}, false
}

// collides reports whether a candidate window shares time with other. Legacy
// slots have one window, so every booking shares it.
func collides(shape slots.Shape, start, duration int, other model.TimeRange) bool {
	if _, legacy := shape.(slots.Legacy); legacy {
		return true
	}
	return slots.Overlaps(start, duration, other.Start, other.Duration)
}

// FreeRows returns the slot rows not held at [start, start+duration) by any
// CONFIRMED booking other than excludeID.
func FreeRows(slot *model.ExamSlot, shape slots.Shape, start, duration int, existing []model.Booking, excludeID string) []int {
	held := make(map[int]struct{})
	for i := range existing {
		b := &existing[i]
		if !b.IsConfirmed() || (excludeID != "" && b.ID == excludeID) {
			continue
		}
		w, ok := Occupied(shape, b)
		if !ok || !collides(shape, start, duration, w) {
			continue
		}
		for _, r := range b.SelectedRows {
			held[r] = struct{}{}
		}
	}

	var free []int
	for r := slot.RowStart; r <= slot.RowEnd; r++ {
		if _, ok := held[r]; !ok {
			free = append(free, r)
		}
	}
	return free
}

func rowsOutside(rows []int, lo, hi int) []int {
	var bad []int
	for _, r := range rows {
		if r < lo || r > hi {
			bad = append(bad, r)
		}
	}
	return bad
}
