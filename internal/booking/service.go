// Package booking creates, reschedules and cancels bookings.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examslots/internal/conflict"
	"examslots/internal/events"
	"examslots/internal/metrics"
	"examslots/internal/model"
	"examslots/internal/slots"
	"examslots/internal/store"
)

// DefaultReferenceAttempts bounds reference generation before giving up.
const DefaultReferenceAttempts = 10

// Invalidator drops cached availability after a write.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// CreateRequest places a new booking. StartTime and DurationMinutes may be
// left empty for legacy slots, which then use the slot's own values.
type CreateRequest struct {
	ExamSlotID      string        `json:"exam_slot_id"`
	StartTime       string        `json:"start_time"`
	DurationMinutes int           `json:"duration_minutes"`
	SelectedRows    []int         `json:"selected_rows"`
	Contact         model.Contact `json:"contact"`
}

// RescheduleRequest moves a booking. Nil fields keep the current value.
type RescheduleRequest struct {
	ExamSlotID      *string `json:"exam_slot_id,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	SelectedRows    []int   `json:"selected_rows,omitempty"`
}

func (r RescheduleRequest) empty() bool {
	return r.ExamSlotID == nil && r.StartTime == nil && r.DurationMinutes == nil && r.SelectedRows == nil
}

// UpdateRequest combines a reschedule and a contact edit applied atomically.
type UpdateRequest struct {
	Reschedule *RescheduleRequest
	Contact    *model.Contact
}

// Service provides booking operations.
type Service struct {
	store       store.Store
	events      events.Publisher
	cache       Invalidator
	logger      zerolog.Logger
	now         func() time.Time
	reference   ReferenceGenerator
	maxAttempts int
}

// NewService creates a new booking service.
func NewService(st store.Store, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		store:       st,
		events:      publisher,
		logger:      logger.With().Str("component", "booking").Logger(),
		now:         time.Now,
		reference:   RandomReference,
		maxAttempts: DefaultReferenceAttempts,
	}
}

// UseCache sets the availability cache to invalidate after writes.
func (s *Service) UseCache(c Invalidator) *Service {
	s.cache = c
	return s
}

// UseReferenceGenerator replaces the reference source and attempt bound.
func (s *Service) UseReferenceGenerator(gen ReferenceGenerator, maxAttempts int) *Service {
	if gen != nil {
		s.reference = gen
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	return s
}

// UseClock replaces time.Now.
func (s *Service) UseClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// Create checks the request against the slot and its confirmed bookings and
// stores a CONFIRMED booking. The check and the insert share one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Booking, error) {
	contact, err := validateContact(req.Contact)
	if err != nil {
		return nil, s.rejected("create", err)
	}

	var created *model.Booking
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		slot, err := tx.GetSlot(ctx, req.ExamSlotID)
		if err != nil {
			return err
		}

		startTime, duration := req.StartTime, req.DurationMinutes
		if slots.IsLegacy(slot) {
			if startTime == "" {
				startTime = slot.StartTime
			}
			if duration == 0 {
				duration = slot.DurationMinutes
			}
		}
		start, err := slots.ParseClock(startTime)
		if err != nil {
			return err
		}

		existing, err := tx.ConfirmedBookings(ctx, slot.ID)
		if err != nil {
			return fmt.Errorf("load bookings: %w", err)
		}
		rows := model.NormalizeRows(req.SelectedRows)
		if err := conflict.Check(slot, conflict.Candidate{Start: start, Duration: duration, Rows: rows}, existing, ""); err != nil {
			return err
		}

		ref, err := s.uniqueReference(ctx, tx)
		if err != nil {
			return err
		}
		token, err := newManageToken()
		if err != nil {
			return err
		}

		now := s.timestamp()
		slotID := slot.ID
		b := &model.Booking{
			ID:                     uuid.NewString(),
			BookingReference:       ref,
			ExamSlotID:             &slotID,
			BookingStartTime:       slots.FormatClock(start),
			BookingDurationMinutes: duration,
			SelectedRows:           rows,
			Contact:                contact,
			Status:                 model.StatusConfirmed,
			ManageToken:            token,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		created = b
		return nil
	})
	if err != nil {
		return nil, s.rejected("create", err)
	}

	s.committed(ctx, "create", events.Event{
		Type:      events.BookingCreated,
		BookingID: created.ID,
		SlotID:    created.SlotID(),
		Reference: created.BookingReference,
		Email:     created.Email,
	})
	s.logger.Info().
		Str("booking_id", created.ID).
		Str("reference", created.BookingReference).
		Str("slot_id", created.SlotID()).
		Ints("rows", created.SelectedRows).
		Msg("Booking created")
	return created, nil
}

func (s *Service) uniqueReference(ctx context.Context, tx store.Tx) (string, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		ref, err := s.reference()
		if err != nil {
			return "", err
		}
		exists, err := tx.ReferenceExists(ctx, ref)
		if err != nil {
			return "", err
		}
		if !exists {
			return ref, nil
		}
	}
	return "", model.Errorf(model.KindReferenceGenerationExhausted, "no unique reference after %d attempts", s.maxAttempts)
}

// Reschedule moves a confirmed booking to a new slot, time or row set.
func (s *Service) Reschedule(ctx context.Context, bookingID string, req RescheduleRequest) (*model.Booking, error) {
	return s.Update(ctx, bookingID, UpdateRequest{Reschedule: &req})
}

// UpdateContact replaces the non-empty contact fields. No conflict check runs.
func (s *Service) UpdateContact(ctx context.Context, bookingID string, c model.Contact) (*model.Booking, error) {
	return s.Update(ctx, bookingID, UpdateRequest{Contact: &c})
}

// Update applies a reschedule and/or a contact edit in one transaction.
// Cancelled bookings cannot be edited. A request that changes nothing returns
// the booking as stored, without touching UpdatedAt or publishing an event.
func (s *Service) Update(ctx context.Context, bookingID string, req UpdateRequest) (*model.Booking, error) {
	rescheduled := req.Reschedule != nil && !req.Reschedule.empty()

	var (
		updated *model.Booking
		changed bool
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.IsConfirmed() {
			return model.Errorf(model.KindBookingCancelled, "booking %s is cancelled", b.BookingReference)
		}

		if rescheduled {
			if err := s.move(ctx, tx, b, *req.Reschedule); err != nil {
				return err
			}
		}
		contact := b.Contact
		if req.Contact != nil {
			contact, err = validateContact(mergeContact(b.Contact, *req.Contact))
			if err != nil {
				return err
			}
		}
		if !rescheduled && contact == b.Contact {
			updated = b
			return nil
		}
		b.Contact = contact

		b.UpdatedAt = s.timestamp()
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		updated, changed = b, true
		return nil
	})

	op, typ := "update", events.BookingUpdated
	if rescheduled {
		op, typ = "reschedule", events.BookingRescheduled
	}
	if err != nil {
		return nil, s.rejected(op, err)
	}
	if !changed {
		return updated, nil
	}

	s.committed(ctx, op, events.Event{
		Type:      typ,
		BookingID: updated.ID,
		SlotID:    updated.SlotID(),
		Reference: updated.BookingReference,
		Email:     updated.Email,
	})
	return updated, nil
}

// move resolves the target placement, re-runs the conflict check with the
// booking itself excluded and writes the new placement into b.
func (s *Service) move(ctx context.Context, tx store.Tx, b *model.Booking, req RescheduleRequest) error {
	targetID := b.SlotID()
	if req.ExamSlotID != nil {
		targetID = *req.ExamSlotID
	}
	if targetID == "" {
		return model.Errorf(model.KindSlotNotFound, "booking %s has no slot", b.BookingReference)
	}

	slot, err := tx.GetSlot(ctx, targetID)
	if err != nil {
		return err
	}

	startTime, duration := b.BookingStartTime, b.BookingDurationMinutes
	if targetID != b.SlotID() && slots.IsLegacy(slot) {
		startTime, duration = slot.StartTime, slot.DurationMinutes
	}
	if req.StartTime != nil {
		startTime = *req.StartTime
	}
	if req.DurationMinutes != nil {
		duration = *req.DurationMinutes
	}
	rows := b.SelectedRows
	if req.SelectedRows != nil {
		rows = req.SelectedRows
	}
	rows = model.NormalizeRows(rows)

	start, err := slots.ParseClock(startTime)
	if err != nil {
		return err
	}
	existing, err := tx.ConfirmedBookings(ctx, slot.ID)
	if err != nil {
		return fmt.Errorf("load bookings: %w", err)
	}
	if err := conflict.Check(slot, conflict.Candidate{Start: start, Duration: duration, Rows: rows}, existing, b.ID); err != nil {
		return err
	}

	id := slot.ID
	b.ExamSlotID = &id
	b.BookingStartTime = slots.FormatClock(start)
	b.BookingDurationMinutes = duration
	b.SelectedRows = rows
	return nil
}

// Cancel moves a CONFIRMED booking to CANCELLED.
func (s *Service) Cancel(ctx context.Context, bookingID string) (*model.Booking, error) {
	var cancelled *model.Booking
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.IsConfirmed() {
			return model.Errorf(model.KindAlreadyCancelled, "booking %s is already cancelled", b.BookingReference)
		}
		b.Status = model.StatusCancelled
		b.UpdatedAt = s.timestamp()
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		cancelled = b
		return nil
	})
	if err != nil {
		return nil, s.rejected("cancel", err)
	}

	s.committed(ctx, "cancel", events.Event{
		Type:      events.BookingCancelled,
		BookingID: cancelled.ID,
		SlotID:    cancelled.SlotID(),
		Reference: cancelled.BookingReference,
		Email:     cancelled.Email,
	})
	return cancelled, nil
}

// Get returns a booking with its slot.
func (s *Service) Get(ctx context.Context, bookingID string) (*store.SlotBooking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return s.withSlot(ctx, b)
}

// GetByToken returns the booking behind a manage token with its slot. The
// slot is nil once deleted; the booking then carries the preserved fields.
func (s *Service) GetByToken(ctx context.Context, token string) (*store.SlotBooking, error) {
	b, err := s.store.GetBookingByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.withSlot(ctx, b)
}

func (s *Service) withSlot(ctx context.Context, b *model.Booking) (*store.SlotBooking, error) {
	sb := &store.SlotBooking{Booking: *b}
	if id := b.SlotID(); id != "" {
		slot, err := s.store.GetSlot(ctx, id)
		if err != nil && !errors.Is(err, model.ErrSlotNotFound) {
			return nil, fmt.Errorf("get slot: %w", err)
		}
		sb.Slot = slot
	}
	return sb, nil
}

// Search finds the booking matching both reference and email after
// normalising them the way references and emails are stored.
func (s *Service) Search(ctx context.Context, reference, email string) (*store.SlotBooking, error) {
	ref, mail := NormalizeReference(reference), NormalizeEmail(email)
	if ref == "" || mail == "" {
		return nil, model.Errorf(model.KindInvalidContact, "booking reference and email are required")
	}

	found, err := s.store.FindBookings(ctx, "", mail)
	if err != nil {
		return nil, fmt.Errorf("find bookings: %w", err)
	}
	for i := range found {
		if NormalizeReference(found[i].Booking.BookingReference) == ref {
			return &found[i], nil
		}
	}
	return nil, model.Errorf(model.KindBookingNotFound, "no booking %s for %s", ref, mail)
}

// ListFilter narrows List. Zero dates leave that side open; an empty Status
// matches every status.
type ListFilter struct {
	From   time.Time
	To     time.Time
	Status model.BookingStatus
}

// List returns bookings for the admin table, filtered on exam date and status.
// Bookings with neither a live slot nor a preserved date are left out. Results
// are ordered by exam date, newest booking first within a day.
func (s *Service) List(ctx context.Context, f ListFilter) ([]store.SlotBooking, error) {
	all, err := s.store.ListBookings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}

	out := make([]store.SlotBooking, 0, len(all))
	for _, sb := range all {
		date, ok := sb.ExamDate()
		if !ok {
			continue
		}
		date = model.DateOf(date)
		if !f.From.IsZero() && date.Before(model.DateOf(f.From)) {
			continue
		}
		if !f.To.IsZero() && date.After(model.DateOf(f.To)) {
			continue
		}
		if f.Status != "" && sb.Booking.Status != f.Status {
			continue
		}
		out = append(out, sb)
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, _ := out[i].ExamDate()
		dj, _ := out[j].ExamDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].Booking.CreatedAt.After(out[j].Booking.CreatedAt)
	})
	return out, nil
}

// Purge hard-deletes bookings. It is an administrative clean-up and bypasses
// the booking state machine.
func (s *Service) Purge(ctx context.Context, ids []string) (int, error) {
	var n int
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.DeleteBookings(ctx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge bookings: %w", err)
	}

	s.committed(ctx, "purge", events.Event{Type: events.BookingPurged})
	s.logger.Info().Int("requested", len(ids)).Int("deleted", n).Msg("Bookings purged")
	return n, nil
}

func (s *Service) committed(ctx context.Context, op string, e events.Event) {
	metrics.IncBookingOp(op, "ok")
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	s.events.Publish(ctx, e)
}

func (s *Service) rejected(op string, err error) error {
	var e *model.Error
	if errors.As(err, &e) {
		metrics.IncBookingOp(op, "rejected")
		metrics.IncBookingRejected(string(e.Kind))
		s.logger.Debug().Str("op", op).Str("kind", string(e.Kind)).Msg(e.Error())
		return err
	}
	metrics.IncBookingOp(op, "error")
	s.logger.Error().Err(err).Str("op", op).Msg("booking operation failed")
	return fmt.Errorf("%s booking: %w", op, err)
}

func mergeContact(cur, patch model.Contact) model.Contact {
	if strings.TrimSpace(patch.FirstName) != "" {
		cur.FirstName = patch.FirstName
	}
	if strings.TrimSpace(patch.LastName) != "" {
		cur.LastName = patch.LastName
	}
	if strings.TrimSpace(patch.Email) != "" {
		cur.Email = patch.Email
	}
	if strings.TrimSpace(patch.Phone) != "" {
		cur.Phone = patch.Phone
	}
	return cur
}

func validateContact(c model.Contact) (model.Contact, error) {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = NormalizeEmail(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)

	switch {
	case c.FirstName == "":
		return c, model.Errorf(model.KindInvalidContact, "first name is required")
	case c.LastName == "":
		return c, model.Errorf(model.KindInvalidContact, "last name is required")
	case !validEmail(c.Email):
		return c, model.Errorf(model.KindInvalidContact, "invalid email %q", c.Email)
	}
	return c, nil
}

func validEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	return at > 0 && at < len(s)-1 && strings.Contains(s[at+1:], ".")
}
