// Package store declares the persistence port shared by the engine services.
package store

import (
	"context"
	"time"

	"examslots/internal/model"
)

// SlotBooking pairs a booking with its slot. Slot is nil for tombstoned bookings.
type SlotBooking struct {
	Booking model.Booking
	Slot    *model.ExamSlot
}

// ExamDate is the slot date, or the preserved date once the slot is gone.
func (sb SlotBooking) ExamDate() (time.Time, bool) {
	if sb.Slot != nil {
		return sb.Slot.Date, true
	}
	if sb.Booking.PreservedSlotDate != nil {
		return *sb.Booking.PreservedSlotDate, true
	}
	return time.Time{}, false
}

// LocationName is the slot location, or the preserved one once the slot is gone.
func (sb SlotBooking) LocationName() string {
	if sb.Slot != nil {
		return sb.Slot.LocationName
	}
	return sb.Booking.PreservedLocationName
}

// Reader is the read side used by availability, analytics and search.
// Missing records are reported as model.ErrSlotNotFound / model.ErrBookingNotFound.
type Reader interface {
	GetSlot(ctx context.Context, id string) (*model.ExamSlot, error)
	// SlotsBetween returns slots with from <= date <= to, ordered by date and start time.
	SlotsBetween(ctx context.Context, from, to time.Time) ([]model.ExamSlot, error)
	// ConfirmedBookings returns the CONFIRMED bookings attached to a slot.
	ConfirmedBookings(ctx context.Context, slotID string) ([]model.Booking, error)
	// SlotBookings returns every booking attached to a slot, whatever its status.
	SlotBookings(ctx context.Context, slotID string) ([]model.Booking, error)

	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	GetBookingByToken(ctx context.Context, token string) (*model.Booking, error)
	// FindBookings matches on exact reference and/or email; empty arguments are ignored.
	FindBookings(ctx context.Context, reference, email string) ([]SlotBooking, error)
	// ListBookings returns every booking, newest first.
	ListBookings(ctx context.Context) ([]SlotBooking, error)
	// ConfirmedBookingsOn returns CONFIRMED bookings whose live slot is on date.
	ConfirmedBookingsOn(ctx context.Context, date time.Time) ([]SlotBooking, error)
}

// Tx is a unit of work. Reads inside it observe its own writes.
type Tx interface {
	Reader

	InsertSlot(ctx context.Context, slot *model.ExamSlot) error
	UpdateSlot(ctx context.Context, slot *model.ExamSlot) error
	SetSlotsActive(ctx context.Context, ids []string, active bool, at time.Time) (int, error)
	DeleteSlot(ctx context.Context, id string) error

	ReferenceExists(ctx context.Context, reference string) (bool, error)
	InsertBooking(ctx context.Context, b *model.Booking) error
	UpdateBooking(ctx context.Context, b *model.Booking) error
	DeleteBookings(ctx context.Context, ids []string) (int, error)
}

// Store runs transactions. A transaction holds the write lock from its first
// statement, so read-check-write sequences inside fn are serialised.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
