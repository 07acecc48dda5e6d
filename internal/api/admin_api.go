package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examslots/internal/audit"
	"examslots/internal/booking"
	"examslots/internal/manager"
	"examslots/internal/metrics"
	"examslots/internal/model"
	"examslots/internal/reminders"
)

// DateRangeRequest is an inclusive YYYY-MM-DD range.
type DateRangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WindowRequest is one daily time block of a bulk create.
type WindowRequest struct {
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time,omitempty"`
	AllowedDurations []int  `json:"allowed_durations,omitempty"`
	DurationMinutes  int    `json:"duration_minutes,omitempty"`
}

func (w WindowRequest) window() manager.TimeWindow {
	return manager.TimeWindow{
		StartTime:        w.StartTime,
		EndTime:          w.EndTime,
		AllowedDurations: w.AllowedDurations,
		DurationMinutes:  w.DurationMinutes,
	}
}

// BulkCreateRequest is the request body for POST /api/admin/exam-slots/bulk.
type BulkCreateRequest struct {
	DateRanges         []DateRangeRequest `json:"date_ranges"`
	Windows            []WindowRequest    `json:"windows"`
	LocationName       string             `json:"location_name"`
	RowStart           int                `json:"row_start"`
	RowEnd             int                `json:"row_end"`
	DefaultSeatsPerRow *int               `json:"default_seats_per_row,omitempty"`
	DayExceptions      []int              `json:"day_exceptions,omitempty"`
	Inactive           bool               `json:"inactive,omitempty"`
}

// CreateSlotRequest is the request body for POST /api/admin/exam-slots.
type CreateSlotRequest struct {
	WindowRequest
	Date               string `json:"date"`
	RepeatUntil        string `json:"repeat_until,omitempty"`
	LocationName       string `json:"location_name"`
	RowStart           int    `json:"row_start"`
	RowEnd             int    `json:"row_end"`
	DefaultSeatsPerRow *int   `json:"default_seats_per_row,omitempty"`
	DayExceptions      []int  `json:"day_exceptions,omitempty"`
	Inactive           bool   `json:"inactive,omitempty"`
}

// UpdateSlotRequest is the request body for PATCH /api/admin/exam-slots/{id}.
type UpdateSlotRequest struct {
	Date               *string `json:"date,omitempty"`
	StartTime          *string `json:"start_time,omitempty"`
	EndTime            *string `json:"end_time,omitempty"`
	AllowedDurations   []int   `json:"allowed_durations,omitempty"`
	DurationMinutes    *int    `json:"duration_minutes,omitempty"`
	LocationName       *string `json:"location_name,omitempty"`
	RowStart           *int    `json:"row_start,omitempty"`
	RowEnd             *int    `json:"row_end,omitempty"`
	DefaultSeatsPerRow *int    `json:"default_seats_per_row,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
	DayExceptions      []int   `json:"day_exceptions,omitempty"`
}

// IDsRequest carries ids for bulk operations. IsActive is used by the bulk
// activation toggle only.
type IDsRequest struct {
	IDs      []string `json:"ids"`
	IsActive *bool    `json:"is_active,omitempty"`
}

// RescheduleBookingRequest is the request body for PATCH /api/admin/bookings/{id}.
// Omitted fields keep their value.
type RescheduleBookingRequest struct {
	ExamSlotID      *string `json:"exam_slot_id,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	SelectedRows    []int   `json:"selected_rows,omitempty"`
}

// BookingsResponse is the response for GET /api/admin/bookings.
type BookingsResponse struct {
	Count    int               `json:"count"`
	Bookings []BookingResponse `json:"bookings"`
}

// CountResponse reports how many records an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// RemindersResponse is the response for GET /api/admin/reminders.
type RemindersResponse struct {
	Date      string               `json:"date"`
	Count     int                  `json:"count"`
	Reminders []reminders.Reminder `json:"reminders"`
}

func parseDay(name, v string) (time.Time, error) {
	d, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return time.Time{}, model.Errorf(model.KindInvalidDateRange, "invalid %s %q; expected YYYY-MM-DD", name, v)
	}
	return d, nil
}

// GET /api/admin/exam-slots?from=&to=&include_inactive=true
func (s *HTTPServer) handleListSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_list_slots")

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
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	list, err := s.svc.Manager.ListSlots(r.Context(), from, to, includeInactive)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slots": list})
}

// POST /api/admin/exam-slots
func (s *HTTPServer) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_create_slot")

	var req CreateSlotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	date, err := parseDay("date", req.Date)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	in := manager.SlotInput{
		TimeWindow:         req.window(),
		Date:               date,
		LocationName:       req.LocationName,
		RowStart:           req.RowStart,
		RowEnd:             req.RowEnd,
		DefaultSeatsPerRow: req.DefaultSeatsPerRow,
		DayExceptions:      req.DayExceptions,
		Inactive:           req.Inactive,
	}
	if req.RepeatUntil != "" {
		until, err := parseDay("repeat_until", req.RepeatUntil)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		in.RepeatUntil = &until
	}

	created, err := s.svc.Manager.CreateSlot(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"slots": created, "count": len(created)})
}

// POST /api/admin/exam-slots/bulk
func (s *HTTPServer) handleBulkCreateSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_bulk_create_slots")

	var req BulkCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	bulk := manager.BulkRequest{
		LocationName:       req.LocationName,
		RowStart:           req.RowStart,
		RowEnd:             req.RowEnd,
		DefaultSeatsPerRow: req.DefaultSeatsPerRow,
		DayExceptions:      req.DayExceptions,
		Inactive:           req.Inactive,
	}
	for _, dr := range req.DateRanges {
		from, err := parseDay("from", dr.From)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		to, err := parseDay("to", dr.To)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		bulk.DateRanges = append(bulk.DateRanges, manager.DateRange{From: from, To: to})
	}
	for _, win := range req.Windows {
		bulk.Windows = append(bulk.Windows, win.window())
	}

	created, err := s.svc.Manager.BulkCreate(r.Context(), bulk)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"slots": created, "count": len(created)})
}

// PATCH /api/admin/exam-slots/bulk
func (s *HTTPServer) handleBulkSetActive(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_bulk_set_active")

	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 || req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "ids and is_active are required")
		return
	}
	n, err := s.svc.Manager.SetActive(r.Context(), req.IDs, *req.IsActive)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// DELETE /api/admin/exam-slots/bulk
func (s *HTTPServer) handleBulkDeleteSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_bulk_delete_slots")

	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	res, err := s.svc.Manager.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/admin/exam-slots/{id}
func (s *HTTPServer) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_get_slot")

	sum, err := s.svc.Manager.GetSlot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// PATCH /api/admin/exam-slots/{id}
func (s *HTTPServer) handleUpdateSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_update_slot")

	var req UpdateSlotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	patch := manager.SlotPatch{
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
		AllowedDurations:   req.AllowedDurations,
		DurationMinutes:    req.DurationMinutes,
		LocationName:       req.LocationName,
		RowStart:           req.RowStart,
		RowEnd:             req.RowEnd,
		DefaultSeatsPerRow: req.DefaultSeatsPerRow,
		IsActive:           req.IsActive,
		DayExceptions:      req.DayExceptions,
	}
	if req.Date != nil {
		d, err := parseDay("date", *req.Date)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		patch.Date = &d
	}

	updated, err := s.svc.Manager.UpdateSlot(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE /api/admin/exam-slots/{id}
func (s *HTTPServer) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_delete_slot")

	res, err := s.svc.Manager.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DELETE /api/admin/bookings/{id}
func (s *HTTPServer) handleAdminCancelBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_cancel_booking")

	if _, err := s.svc.Bookings.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeBooking(w, r, r.PathValue("id"))
}

// GET /api/admin/bookings?from=&to=&status=
func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_list_bookings")

	var f booking.ListFilter
	var err error
	if f.From, _, err = parseDate(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.To, _, err = parseDate(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch status := model.BookingStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))); status {
	case "", model.StatusConfirmed, model.StatusCancelled:
		f.Status = status
	default:
		writeError(w, http.StatusBadRequest, "status must be CONFIRMED or CANCELLED")
		return
	}

	list, err := s.svc.Bookings.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := BookingsResponse{Count: len(list), Bookings: make([]BookingResponse, len(list))}
	for i := range list {
		resp.Bookings[i] = bookingResponse(&list[i])
		resp.Bookings[i].ManageToken = list[i].Booking.ManageToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// PATCH /api/admin/bookings/{id}
func (s *HTTPServer) handleAdminRescheduleBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_reschedule_booking")

	var req RescheduleBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ExamSlotID == nil && req.StartTime == nil && req.DurationMinutes == nil && req.SelectedRows == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	id := r.PathValue("id")
	if _, err := s.svc.Bookings.Reschedule(r.Context(), id, booking.RescheduleRequest{
		ExamSlotID:      req.ExamSlotID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		SelectedRows:    req.SelectedRows,
	}); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeBooking(w, r, id)
}

// POST /api/admin/bookings/bulk-delete
func (s *HTTPServer) handlePurgeBookings(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_purge_bookings")

	var req IDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	n, err := s.svc.Bookings.Purge(r.Context(), req.IDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	var f audit.Filter
	from, _, err := parseDate(r, "from")
	if err != nil {
		return f, err
	}
	to, _, err := parseDate(r, "to")
	if err != nil {
		return f, err
	}
	f.From, f.To = from, to
	return f, nil
}

// GET /api/admin/analytics?from=&to=
func (s *HTTPServer) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_analytics")

	f, err := auditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.svc.Audit.Analytics(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/admin/bookings/export?from=&to=
func (s *HTTPServer) handleExportBookings(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_export_bookings")

	f, err := auditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := s.svc.Audit.Export(r.Context(), f, &buf); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, audit.ExportFilename(time.Now())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// GET /api/admin/reminders
func (s *HTTPServer) handlePendingReminders(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_pending_reminders")

	day, pending, err := s.svc.Reminders.Pending(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemindersResponse{
		Date:      day.Format(model.DateLayout),
		Count:     len(pending),
		Reminders: pending,
	})
}

// POST /api/admin/reminders/send
func (s *HTTPServer) handleSendReminders(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_send_reminders")

	res, err := s.svc.Reminders.Send(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
