package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examslots/internal/availability"
	"examslots/internal/booking"
	"examslots/internal/metrics"
	"examslots/internal/model"
	"examslots/internal/store"
)

// MaxAvailabilityDaysRange bounds the dates query.
const MaxAvailabilityDaysRange = 366

// DatesResponse is the response for GET /api/exam-slots/dates.
type DatesResponse struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Dates []string `json:"dates"`
}

// DurationsResponse is the response for GET /api/exam-slots/durations.
type DurationsResponse struct {
	Date      string `json:"date"`
	Durations []int  `json:"durations"`
}

// SlotsResponse is the response for GET /api/exam-slots/available.
type SlotsResponse struct {
	Date  string                  `json:"date"`
	Slots []availability.SlotView `json:"slots"`
}

// CreateBookingRequest is the request body for POST /api/bookings.
type CreateBookingRequest struct {
	ExamSlotID      string `json:"exam_slot_id"`
	StartTime       string `json:"start_time,omitempty"` // HH:MM, optional for legacy slots
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	SelectedRows    []int  `json:"selected_rows"`
	model.Contact
}

// SearchBookingRequest is the request body for POST /api/bookings/search.
type SearchBookingRequest struct {
	BookingReference string `json:"booking_reference"`
	Email            string `json:"email"`
}

// UpdateBookingRequest is the request body for PATCH /api/bookings/manage/{token}.
// Placement fields reschedule; contact fields edit the holder. Omitted fields
// keep their value.
type UpdateBookingRequest struct {
	ExamSlotID      *string `json:"exam_slot_id,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	SelectedRows    []int   `json:"selected_rows,omitempty"`
	model.Contact
}

// BookingResponse is a booking with its slot details resolved.
type BookingResponse struct {
	model.Booking
	ExamDate     string          `json:"exam_date,omitempty"`
	LocationName string          `json:"location_name"`
	Slot         *model.ExamSlot `json:"exam_slot,omitempty"`
	ManageToken  string          `json:"manage_token,omitempty"`
}

func bookingResponse(sb *store.SlotBooking) BookingResponse {
	resp := BookingResponse{
		Booking:      sb.Booking,
		LocationName: sb.LocationName(),
		Slot:         sb.Slot,
	}
	if d, ok := sb.ExamDate(); ok {
		resp.ExamDate = d.Format(model.DateLayout)
	}
	return resp
}

// parseDate reads an optional YYYY-MM-DD query parameter.
func parseDate(r *http.Request, name string) (time.Time, bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s format; expected YYYY-MM-DD", name)
	}
	return d, true, nil
}

// handleAvailableDates lists days with bookable capacity.
// GET /api/exam-slots/dates?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *HTTPServer) handleAvailableDates(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("available_dates")

	from, ok, err := parseDate(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		from = s.svc.Availability.Today()
	}
	to, ok, err := parseDate(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		to = from.AddDate(0, 0, s.lookahead)
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "from must be before or equal to to")
		return
	}
	if to.Sub(from) > MaxAvailabilityDaysRange*24*time.Hour {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("date range exceeds maximum of %d days", MaxAvailabilityDaysRange))
		return
	}

	dates, err := s.svc.Availability.AvailableDates(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := DatesResponse{
		From:  from.Format(model.DateLayout),
		To:    to.Format(model.DateLayout),
		Dates: make([]string, len(dates)),
	}
	for i, d := range dates {
		resp.Dates[i] = d.Format(model.DateLayout)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAvailableDurations lists the durations bookable on a day.
// GET /api/exam-slots/durations?date=YYYY-MM-DD
func (s *HTTPServer) handleAvailableDurations(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("available_durations")

	date, ok, err := parseDate(r, "date")
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "date is required; expected YYYY-MM-DD")
		return
	}
	durations, err := s.svc.Availability.AvailableDurations(r.Context(), date)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DurationsResponse{Date: date.Format(model.DateLayout), Durations: durations})
}

// handleAvailableSlots returns the per-slot availability view for a day.
// GET /api/exam-slots/available?date=YYYY-MM-DD&duration=60&exclude_booking_id=...
func (s *HTTPServer) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("available_slots")

	date, ok, err := parseDate(r, "date")
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "date is required; expected YYYY-MM-DD")
		return
	}
	q := availability.Query{ExcludeBookingID: strings.TrimSpace(r.URL.Query().Get("exclude_booking_id"))}
	if v := r.URL.Query().Get("duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be a positive number of minutes")
			return
		}
		q.DurationMinutes = n
	}

	views, err := s.svc.Availability.AvailableSlots(r.Context(), date, q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SlotsResponse{Date: date.Format(model.DateLayout), Slots: views})
}

// handleCreateBooking places a booking and returns it with its manage token.
// POST /api/bookings
func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("create_booking")

	var req CreateBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ExamSlotID) == "" {
		writeError(w, http.StatusBadRequest, "exam_slot_id is required")
		return
	}

	created, err := s.svc.Bookings.Create(r.Context(), booking.CreateRequest{
		ExamSlotID:      req.ExamSlotID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		SelectedRows:    req.SelectedRows,
		Contact:         req.Contact,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	sb, err := s.svc.Bookings.Get(r.Context(), created.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := bookingResponse(sb)
	resp.ManageToken = created.ManageToken
	writeJSON(w, http.StatusCreated, resp)
}

// handleSearchBooking finds a booking by reference and email.
// POST /api/bookings/search
func (s *HTTPServer) handleSearchBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("search_booking")

	var req SearchBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sb, err := s.svc.Bookings.Search(r.Context(), req.BookingReference, req.Email)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := bookingResponse(sb)
	resp.ManageToken = sb.Booking.ManageToken
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/bookings/manage/{token}
func (s *HTTPServer) handleGetManagedBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("get_managed_booking")

	sb, err := s.svc.Bookings.GetByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse(sb))
}

// handleUpdateManagedBooking reschedules and/or edits the contact of the
// booking behind a manage token.
// PATCH /api/bookings/manage/{token}
func (s *HTTPServer) handleUpdateManagedBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("update_managed_booking")

	var req UpdateBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sb, err := s.svc.Bookings.GetByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var upd booking.UpdateRequest
	if req.ExamSlotID != nil || req.StartTime != nil || req.DurationMinutes != nil || req.SelectedRows != nil {
		upd.Reschedule = &booking.RescheduleRequest{
			ExamSlotID:      req.ExamSlotID,
			StartTime:       req.StartTime,
			DurationMinutes: req.DurationMinutes,
			SelectedRows:    req.SelectedRows,
		}
	}
	if req.Contact != (model.Contact{}) {
		c := req.Contact
		upd.Contact = &c
	}
	if upd.Reschedule == nil && upd.Contact == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	updated, err := s.svc.Bookings.Update(r.Context(), sb.Booking.ID, upd)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeBooking(w, r, updated.ID)
}

// DELETE /api/bookings/manage/{token}
func (s *HTTPServer) handleCancelManagedBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cancel_managed_booking")

	sb, err := s.svc.Bookings.GetByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.svc.Bookings.Cancel(r.Context(), sb.Booking.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeBooking(w, r, sb.Booking.ID)
}

func (s *HTTPServer) writeBooking(w http.ResponseWriter, r *http.Request, id string) {
	sb, err := s.svc.Bookings.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse(sb))
}
