// Package manager administers exam slots: bulk creation, edits and cascade deletion.
package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examslots/internal/events"
	"examslots/internal/metrics"
	"examslots/internal/model"
	"examslots/internal/slots"
	"examslots/internal/store"
)

// MaxSlotsPerRequest caps how many slots one bulk request may expand into.
const MaxSlotsPerRequest = 5000

// Invalidator drops cached availability after a write.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TimeWindow is one daily time block. An empty EndTime makes a legacy slot
// with a fixed DurationMinutes; otherwise AllowedDurations are required.
type TimeWindow struct {
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time,omitempty"`
	AllowedDurations []int  `json:"allowed_durations,omitempty"`
	DurationMinutes  int    `json:"duration_minutes,omitempty"`
}

// BulkRequest expands every date range by every time window.
type BulkRequest struct {
	DateRanges         []DateRange  `json:"date_ranges"`
	Windows            []TimeWindow `json:"windows"`
	LocationName       string       `json:"location_name"`
	RowStart           int          `json:"row_start"`
	RowEnd             int          `json:"row_end"`
	DefaultSeatsPerRow *int         `json:"default_seats_per_row,omitempty"`
	DayExceptions      []int        `json:"day_exceptions,omitempty"`
	Inactive           bool         `json:"inactive,omitempty"`
}

// SlotInput creates one slot, optionally repeated daily until RepeatUntil.
type SlotInput struct {
	TimeWindow
	Date               time.Time  `json:"date"`
	LocationName       string     `json:"location_name"`
	RowStart           int        `json:"row_start"`
	RowEnd             int        `json:"row_end"`
	DefaultSeatsPerRow *int       `json:"default_seats_per_row,omitempty"`
	DayExceptions      []int      `json:"day_exceptions,omitempty"`
	RepeatUntil        *time.Time `json:"repeat_until,omitempty"`
	Inactive           bool       `json:"inactive,omitempty"`
}

// SlotPatch edits a slot. Nil fields are left unchanged. Setting EndTime to
// "" turns the slot into a legacy slot.
type SlotPatch struct {
	Date               *time.Time `json:"date,omitempty"`
	StartTime          *string    `json:"start_time,omitempty"`
	EndTime            *string    `json:"end_time,omitempty"`
	AllowedDurations   []int      `json:"allowed_durations,omitempty"`
	DurationMinutes    *int       `json:"duration_minutes,omitempty"`
	LocationName       *string    `json:"location_name,omitempty"`
	RowStart           *int       `json:"row_start,omitempty"`
	RowEnd             *int       `json:"row_end,omitempty"`
	DefaultSeatsPerRow *int       `json:"default_seats_per_row,omitempty"`
	IsActive           *bool      `json:"is_active,omitempty"`
	DayExceptions      []int      `json:"day_exceptions,omitempty"`
}

// DeleteResult reports what a slot deletion did to its bookings.
type DeleteResult struct {
	SlotID     string `json:"slot_id"`
	Cancelled  int    `json:"cancelled_bookings"`
	Tombstoned int    `json:"tombstoned_bookings"`
}

// DeleteFailure is a slot that could not be deleted.
type DeleteFailure struct {
	SlotID string `json:"slot_id"`
	Error  string `json:"error"`
}

// BulkDeleteResult lists per-slot outcomes. A failure affects only its own slot.
type BulkDeleteResult struct {
	Deleted []DeleteResult  `json:"deleted"`
	Failed  []DeleteFailure `json:"failed"`
}

// SlotSummary is a slot with its booking statistics.
type SlotSummary struct {
	model.ExamSlot
	TotalRows         int   `json:"total_rows"`
	ConfirmedBookings int   `json:"confirmed_bookings"`
	BookedRows        []int `json:"booked_rows"`
}

// Service provides slot administration.
type Service struct {
	store  store.Store
	events events.Publisher
	cache  Invalidator
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a new manager service.
func NewService(st store.Store, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		store:  st,
		events: publisher,
		logger: logger.With().Str("component", "manager").Logger(),
		now:    time.Now,
	}
}

// UseCache sets the availability cache to invalidate after writes.
func (s *Service) UseCache(c Invalidator) *Service {
	s.cache = c
	return s
}

// UseClock replaces time.Now.
func (s *Service) UseClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BulkCreate validates the whole request and inserts every slot in one
// transaction. Any invalid window, row range or date range rejects the batch.
func (s *Service) BulkCreate(ctx context.Context, req BulkRequest) ([]model.ExamSlot, error) {
	planned, err := s.plan(req)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		for i := range planned {
			if err := tx.InsertSlot(ctx, &planned[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create slots: %w", err)
	}

	metrics.IncSlotOp("create")
	s.invalidate(ctx)
	for i := range planned {
		s.events.Publish(ctx, events.Event{Type: events.SlotCreated, SlotID: planned[i].ID})
	}
	s.logger.Info().Int("slots", len(planned)).Str("location", req.LocationName).Msg("Slots created")
	return planned, nil
}

// CreateSlot creates one slot, repeated daily through RepeatUntil when set.
func (s *Service) CreateSlot(ctx context.Context, in SlotInput) ([]model.ExamSlot, error) {
	to := in.Date
	if in.RepeatUntil != nil {
		to = *in.RepeatUntil
	}
	return s.BulkCreate(ctx, BulkRequest{
		DateRanges:         []DateRange{{From: in.Date, To: to}},
		Windows:            []TimeWindow{in.TimeWindow},
		LocationName:       in.LocationName,
		RowStart:           in.RowStart,
		RowEnd:             in.RowEnd,
		DefaultSeatsPerRow: in.DefaultSeatsPerRow,
		DayExceptions:      in.DayExceptions,
		Inactive:           in.Inactive,
	})
}

func (s *Service) plan(req BulkRequest) ([]model.ExamSlot, error) {
	if strings.TrimSpace(req.LocationName) == "" {
		return nil, model.Errorf(model.KindInvalidLocation, "location name is required")
	}
	if err := validateRows(req.RowStart, req.RowEnd); err != nil {
		return nil, err
	}
	if err := validateDayExceptions(req.DayExceptions); err != nil {
		return nil, err
	}
	if len(req.Windows) == 0 {
		return nil, model.Errorf(model.KindInvalidWindow, "at least one time window is required")
	}
	shapes := make([]TimeWindow, len(req.Windows))
	for i, w := range req.Windows {
		normalized, err := validateWindow(w)
		if err != nil {
			return nil, err
		}
		shapes[i] = normalized
	}
	if len(req.DateRanges) == 0 {
		return nil, model.Errorf(model.KindInvalidDateRange, "at least one date range is required")
	}

	excepted := make(map[time.Weekday]bool, len(req.DayExceptions))
	for _, d := range req.DayExceptions {
		excepted[time.Weekday(d)] = true
	}

	now := s.now().UTC()
	var out []model.ExamSlot
	for _, r := range req.DateRanges {
		from, to := model.DateOf(r.From), model.DateOf(r.To)
		if from.IsZero() || to.Before(from) {
			return nil, model.Errorf(model.KindInvalidDateRange, "range %s..%s is empty",
				from.Format(model.DateLayout), to.Format(model.DateLayout))
		}
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			if excepted[d.Weekday()] {
				continue
			}
			for _, w := range shapes {
				if len(out) >= MaxSlotsPerRequest {
					return nil, model.Errorf(model.KindInvalidDateRange, "request expands to more than %d slots", MaxSlotsPerRequest)
				}
				out = append(out, model.ExamSlot{
					ID:                 uuid.NewString(),
					Date:               d,
					StartTime:          w.StartTime,
					EndTime:            w.EndTime,
					AllowedDurations:   w.AllowedDurations,
					DurationMinutes:    w.DurationMinutes,
					LocationName:       strings.TrimSpace(req.LocationName),
					RowStart:           req.RowStart,
					RowEnd:             req.RowEnd,
					DefaultSeatsPerRow: req.DefaultSeatsPerRow,
					IsActive:           !req.Inactive,
					DayExceptions:      model.Distinct(req.DayExceptions),
					CreatedAt:          now,
					UpdatedAt:          now,
				})
			}
		}
	}
	return out, nil
}

// validateWindow checks a window and returns it normalised: window slots get
// DurationMinutes set to the window span.
func validateWindow(w TimeWindow) (TimeWindow, error) {
	start, err := slots.ParseClock(w.StartTime)
	if err != nil {
		return w, err
	}

	if w.EndTime == "" {
		if w.DurationMinutes <= 0 {
			return w, model.Errorf(model.KindInvalidWindow, "slot at %s needs a positive duration", w.StartTime)
		}
		if start+w.DurationMinutes > 24*60 {
			return w, model.Errorf(model.KindInvalidWindow, "slot at %s runs past midnight", w.StartTime)
		}
		w.AllowedDurations = nil
		return w, nil
	}

	end, err := slots.ParseClock(w.EndTime)
	if err != nil {
		return w, err
	}
	if end <= start {
		return w, model.Errorf(model.KindInvalidWindow, "window %s-%s ends before it starts", w.StartTime, w.EndTime)
	}
	if len(w.AllowedDurations) == 0 {
		return w, model.Errorf(model.KindInvalidWindow, "window %s-%s offers no durations", w.StartTime, w.EndTime)
	}
	span := end - start
	for _, d := range w.AllowedDurations {
		if d <= 0 || d > span {
			return w, model.Errorf(model.KindInvalidWindow, "duration %d does not fit window %s-%s", d, w.StartTime, w.EndTime)
		}
	}
	w.AllowedDurations = model.Distinct(w.AllowedDurations)
	w.DurationMinutes = span
	return w, nil
}

func validateRows(start, end int) error {
	if start < 1 || end < start {
		return model.Errorf(model.KindInvalidRowRange, "row range %d-%d is invalid", start, end)
	}
	return nil
}

func validateDayExceptions(days []int) error {
	for _, d := range days {
		if d < 0 || d > 6 {
			return model.Errorf(model.KindInvalidDateRange, "day exception %d is not a weekday (0-6)", d)
		}
	}
	return nil
}

// GetSlot returns one slot with statistics.
func (s *Service) GetSlot(ctx context.Context, id string) (*SlotSummary, error) {
	slot, err := s.store.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	sum, err := s.summarize(ctx, slot)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// ListSlots returns slots dated within [from, to] with booking statistics.
func (s *Service) ListSlots(ctx context.Context, from, to time.Time, includeInactive bool) ([]SlotSummary, error) {
	list, err := s.store.SlotsBetween(ctx, model.DateOf(from), model.DateOf(to))
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	out := make([]SlotSummary, 0, len(list))
	for i := range list {
		if !includeInactive && !list[i].IsActive {
			continue
		}
		sum, err := s.summarize(ctx, &list[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) summarize(ctx context.Context, slot *model.ExamSlot) (SlotSummary, error) {
	bookings, err := s.store.ConfirmedBookings(ctx, slot.ID)
	if err != nil {
		return SlotSummary{}, fmt.Errorf("bookings for slot %s: %w", slot.ID, err)
	}
	var rows []int
	for i := range bookings {
		rows = append(rows, bookings[i].SelectedRows...)
	}
	booked := model.Distinct(rows)
	if booked == nil {
		booked = []int{}
	}
	return SlotSummary{
		ExamSlot:          *slot,
		TotalRows:         slots.RowCount(slot),
		ConfirmedBookings: len(bookings),
		BookedRows:        booked,
	}, nil
}

// UpdateSlot applies an admin edit. Existing bookings are not re-validated
// against the new shape.
func (s *Service) UpdateSlot(ctx context.Context, id string, p SlotPatch) (*model.ExamSlot, error) {
	var updated *model.ExamSlot
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		slot, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		applyPatch(slot, p)

		if strings.TrimSpace(slot.LocationName) == "" {
			return model.Errorf(model.KindInvalidLocation, "location name is required")
		}
		if err := validateRows(slot.RowStart, slot.RowEnd); err != nil {
			return err
		}
		if err := validateDayExceptions(slot.DayExceptions); err != nil {
			return err
		}
		w, err := validateWindow(TimeWindow{
			StartTime:        slot.StartTime,
			EndTime:          slot.EndTime,
			AllowedDurations: slot.AllowedDurations,
			DurationMinutes:  slot.DurationMinutes,
		})
		if err != nil {
			return err
		}
		slot.AllowedDurations, slot.DurationMinutes = w.AllowedDurations, w.DurationMinutes
		slot.UpdatedAt = s.now().UTC()

		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		updated = slot
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncSlotOp("update")
	s.invalidate(ctx)
	s.events.Publish(ctx, events.Event{Type: events.SlotUpdated, SlotID: id})
	return updated, nil
}

func applyPatch(slot *model.ExamSlot, p SlotPatch) {
	if p.Date != nil {
		slot.Date = model.DateOf(*p.Date)
	}
	if p.StartTime != nil {
		slot.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		slot.EndTime = *p.EndTime
	}
	if p.AllowedDurations != nil {
		slot.AllowedDurations = p.AllowedDurations
	}
	if p.DurationMinutes != nil {
		slot.DurationMinutes = *p.DurationMinutes
	}
	if p.LocationName != nil {
		slot.LocationName = strings.TrimSpace(*p.LocationName)
	}
	if p.RowStart != nil {
		slot.RowStart = *p.RowStart
	}
	if p.RowEnd != nil {
		slot.RowEnd = *p.RowEnd
	}
	if p.DefaultSeatsPerRow != nil {
		n := *p.DefaultSeatsPerRow
		slot.DefaultSeatsPerRow = &n
	}
	if p.IsActive != nil {
		slot.IsActive = *p.IsActive
	}
	if p.DayExceptions != nil {
		slot.DayExceptions = model.Distinct(p.DayExceptions)
	}
}

// SetActive flips the active flag on slots and returns how many were found.
func (s *Service) SetActive(ctx context.Context, ids []string, active bool) (int, error) {
	var n int
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.SetSlotsActive(ctx, ids, active, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, err
	}

	metrics.IncSlotOp("set_active")
	s.invalidate(ctx)
	s.logger.Info().Int("slots", n).Bool("active", active).Msg("Slot activity changed")
	return n, nil
}

// Delete cancels the slot's confirmed bookings, tombstones every booking of
// the slot and then deletes the slot, all in one transaction.
func (s *Service) Delete(ctx context.Context, id string) (DeleteResult, error) {
	res := DeleteResult{SlotID: id}
	var cancelled []model.Booking

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		slot, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		bookings, err := tx.SlotBookings(ctx, id)
		if err != nil {
			return fmt.Errorf("load bookings: %w", err)
		}

		now := s.now().UTC()
		for i := range bookings {
			b := &bookings[i]
			if b.IsConfirmed() {
				b.Status = model.StatusCancelled
				cancelled = append(cancelled, *b)
			}
			b.Tombstone(slot)
			b.UpdatedAt = now
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
		}
		res.Tombstoned = len(bookings)
		res.Cancelled = len(cancelled)

		return tx.DeleteSlot(ctx, id)
	})
	if err != nil {
		return DeleteResult{SlotID: id}, err
	}

	metrics.IncSlotOp("delete")
	metrics.AddCascadeCancelled(res.Cancelled)
	s.invalidate(ctx)
	for i := range cancelled {
		s.events.Publish(ctx, events.Event{
			Type:      events.BookingCancelled,
			BookingID: cancelled[i].ID,
			SlotID:    id,
			Reference: cancelled[i].BookingReference,
			Email:     cancelled[i].Email,
			Reason:    "slot deleted",
		})
	}
	s.events.Publish(ctx, events.Event{Type: events.SlotDeleted, SlotID: id})
	s.logger.Info().Str("slot_id", id).Int("cancelled", res.Cancelled).Int("tombstoned", res.Tombstoned).Msg("Slot deleted")
	return res, nil
}

// BulkDelete deletes each slot in its own transaction. A failing slot is
// reported and the rest continue.
func (s *Service) BulkDelete(ctx context.Context, ids []string) (BulkDeleteResult, error) {
	out := BulkDeleteResult{Deleted: []DeleteResult{}, Failed: []DeleteFailure{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Delete(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("slot_id", id).Msg("Slot delete failed")
			out.Failed = append(out.Failed, DeleteFailure{SlotID: id, Error: err.Error()})
			continue
		}
		out.Deleted = append(out.Deleted, res)
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}
