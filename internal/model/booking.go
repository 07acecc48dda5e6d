package model

import (
	"sort"
	"time"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCancelled BookingStatus = "CANCELLED"
)

// Contact identifies the person holding a booking.
type Contact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Booking is a claim on a set of rows within a time range of one exam slot.
//
// Once the owning slot is deleted ExamSlotID becomes nil and the booking keeps
// its own snapshot of the slot date and location (tombstone fields). Those
// fields are for display and audit only and never take part in conflict checks.
type Booking struct {
	ID                     string        `json:"id"`
	BookingReference       string        `json:"booking_reference"`
	ExamSlotID             *string       `json:"exam_slot_id"`
	PreservedSlotDate      *time.Time    `json:"preserved_slot_date,omitempty"`
	PreservedLocationName  string        `json:"preserved_location_name,omitempty"`
	BookingStartTime       string        `json:"booking_start_time"`
	BookingDurationMinutes int           `json:"booking_duration_minutes"`
	SelectedRows           []int         `json:"selected_rows"`
	Contact
	Status      BookingStatus `json:"status"`
	ManageToken string        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IsConfirmed reports whether the booking still holds its rows.
func (b *Booking) IsConfirmed() bool {
	return b.Status == StatusConfirmed
}

// IsRescheduled reports whether the booking was edited after creation.
func (b *Booking) IsRescheduled() bool {
	return !b.UpdatedAt.Equal(b.CreatedAt)
}

// IsTombstoned reports whether the owning slot has been deleted.
func (b *Booking) IsTombstoned() bool {
	return b.ExamSlotID == nil
}

// SlotID returns the owning slot id or "" for tombstoned bookings.
func (b *Booking) SlotID() string {
	if b.ExamSlotID == nil {
		return ""
	}
	return *b.ExamSlotID
}

// Tombstone severs the booking from its slot, keeping a display snapshot.
func (b *Booking) Tombstone(slot *ExamSlot) {
	date := slot.Date
	b.PreservedSlotDate = &date
	b.PreservedLocationName = slot.LocationName
	b.ExamSlotID = nil
}

// NormalizeRows returns the distinct rows in ascending order.
func NormalizeRows(rows []int) []int {
	return Distinct(rows)
}

// Distinct returns the distinct values in ascending order.
func Distinct(rows []int) []int {
	if len(rows) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(rows))
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// IntersectRows returns the rows present in both sets, ascending.
func IntersectRows(a, b []int) []int {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(b))
	for _, r := range b {
		set[r] = struct{}{}
	}
	var out []int
	for _, r := range NormalizeRows(a) {
		if _, ok := set[r]; ok {
			out = append(out, r)
		}
	}
	return out
}
