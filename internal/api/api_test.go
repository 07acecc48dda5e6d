package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examslots/internal/audit"
	"examslots/internal/availability"
	"examslots/internal/booking"
	"examslots/internal/db"
	"examslots/internal/manager"
	"examslots/internal/model"
	"examslots/internal/reminders"
)

const testAPIKey = "valid-key"

// 2026-01-12 is a Monday.
var fixedNow = time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	logger := zerolog.New(io.Discard)
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := func() time.Time { return fixedNow }
	svc := Services{
		Availability: availability.NewAggregator(database, logger).UseClock(clock, time.UTC),
		Bookings:     booking.NewService(database, nil, logger).UseClock(clock),
		Manager:      manager.NewService(database, nil, logger).UseClock(clock),
		Audit:        audit.NewService(database, logger).UseClock(clock),
		Reminders: reminders.NewService(database, reminders.NewLogNotifier(logger), reminders.Config{RatePerSecond: 1000, Burst: 100}, logger).
			UseClock(clock, time.UTC),
	}
	srv := NewHTTPServer(Config{AdminKeys: []string{"", testAPIKey}, LookaheadDays: 14}, svc, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(APIKeyHeader, testAPIKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

type slotsCreated struct {
	Slots []model.ExamSlot `json:"slots"`
	Count int              `json:"count"`
}

func createWindowSlot(t *testing.T, h http.Handler) model.ExamSlot {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/admin/exam-slots/bulk", map[string]interface{}{
		"date_ranges":   []map[string]string{{"from": "2026-01-13", "to": "2026-01-13"}},
		"windows":       []map[string]interface{}{{"start_time": "09:00", "end_time": "12:00", "allowed_durations": []int{60, 120}}},
		"location_name": "Hall A",
		"row_start":     1,
		"row_end":       10,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var out slotsCreated
	decode(t, w, &out)
	require.Len(t, out.Slots, 1)
	return out.Slots[0]
}

func TestAdminAuth(t *testing.T) {
	h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/admin/exam-slots", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/exam-slots", nil)
	req.Header.Set(APIKeyHeader, "wrong-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = do(t, h, http.MethodGet, "/api/admin/exam-slots", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuth_NoKeysConfigured(t *testing.T) {
	srv := NewHTTPServer(Config{}, Services{}, zerolog.New(io.Discard))
	req := httptest.NewRequest(http.MethodGet, "/api/admin/analytics", nil)
	req.Header.Set(APIKeyHeader, "")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBookingFlow(t *testing.T) {
	h := newTestServer(t)
	slot := createWindowSlot(t, h)

	w := do(t, h, http.MethodGet, "/api/exam-slots/dates", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var dates DatesResponse
	decode(t, w, &dates)
	assert.Equal(t, []string{"2026-01-13"}, dates.Dates)
	assert.Equal(t, "2026-01-26", dates.To)

	w = do(t, h, http.MethodGet, "/api/exam-slots/durations?date=2026-01-13", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var durations DurationsResponse
	decode(t, w, &durations)
	assert.Equal(t, []int{60, 120}, durations.Durations)

	body := map[string]interface{}{
		"exam_slot_id":     slot.ID,
		"start_time":       "09:00",
		"duration_minutes": 120,
		"selected_rows":    []int{1, 2},
		"first_name":       "Ada",
		"last_name":        "Lovelace",
		"email":            " Ada@Example.com ",
	}
	w = do(t, h, http.MethodPost, "/api/bookings", body, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created BookingResponse
	decode(t, w, &created)
	assert.Len(t, created.ManageToken, 64)
	assert.Equal(t, "2026-01-13", created.ExamDate)
	assert.Equal(t, "Hall A", created.LocationName)
	assert.Equal(t, "ada@example.com", created.Email)

	// Overlaps 10:00-11:00 on row 2.
	body["start_time"] = "10:00"
	body["duration_minutes"] = 60
	body["selected_rows"] = []int{2, 3}
	w = do(t, h, http.MethodPost, "/api/bookings", body, false)
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict errorResponse
	decode(t, w, &conflict)
	assert.Equal(t, model.KindRowTimeConflict, conflict.Kind)
	assert.Equal(t, []int{2}, conflict.Rows)
	require.NotNil(t, conflict.Window)
	assert.Equal(t, model.TimeRange{Start: 9 * 60, Duration: 120}, *conflict.Window)

	w = do(t, h, http.MethodGet, "/api/exam-slots/available?date=2026-01-13&duration=60", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var avail SlotsResponse
	decode(t, w, &avail)
	require.Len(t, avail.Slots, 1)
	require.NotEmpty(t, avail.Slots[0].StartOptions)
	assert.Equal(t, "09:00", avail.Slots[0].StartOptions[0].Start)
	assert.NotContains(t, avail.Slots[0].StartOptions[0].FreeRows, 1)

	w = do(t, h, http.MethodPost, "/api/bookings/search", map[string]string{
		"booking_reference": created.BookingReference,
		"email":             "ADA@example.com",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)

	manage := "/api/bookings/manage/" + created.ManageToken
	w = do(t, h, http.MethodPatch, manage, map[string]interface{}{"start_time": "10:00", "duration_minutes": 60}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var moved BookingResponse
	decode(t, w, &moved)
	assert.Equal(t, "10:00", moved.BookingStartTime)
	assert.Equal(t, 60, moved.BookingDurationMinutes)

	w = do(t, h, http.MethodPatch, manage, map[string]interface{}{}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodDelete, manage, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled BookingResponse
	decode(t, w, &cancelled)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	w = do(t, h, http.MethodPatch, manage, map[string]interface{}{"phone": "555"}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var rejected errorResponse
	decode(t, w, &rejected)
	assert.Equal(t, model.KindBookingCancelled, rejected.Kind)

	w = do(t, h, http.MethodGet, "/api/bookings/manage/unknown", nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSlotKeepsManagedBooking(t *testing.T) {
	h := newTestServer(t)
	slot := createWindowSlot(t, h)

	w := do(t, h, http.MethodPost, "/api/bookings", map[string]interface{}{
		"exam_slot_id":     slot.ID,
		"start_time":       "11:00",
		"duration_minutes": 60,
		"selected_rows":    []int{5},
		"first_name":       "Alan",
		"last_name":        "Turing",
		"email":            "alan@example.com",
	}, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created BookingResponse
	decode(t, w, &created)

	w = do(t, h, http.MethodDelete, "/api/admin/exam-slots/"+slot.ID, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var res manager.DeleteResult
	decode(t, w, &res)
	assert.Equal(t, 1, res.Cancelled)

	w = do(t, h, http.MethodGet, "/api/bookings/manage/"+created.ManageToken, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var kept BookingResponse
	decode(t, w, &kept)
	assert.Nil(t, kept.Slot)
	assert.Equal(t, "2026-01-13", kept.ExamDate)
	assert.Equal(t, "Hall A", kept.LocationName)
	assert.Equal(t, model.StatusCancelled, kept.Status)

	w = do(t, h, http.MethodGet, "/api/admin/analytics", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var report audit.Report
	decode(t, w, &report)
	assert.Equal(t, 1, report.Summary.CancelledBookings)
	require.Len(t, report.BookingsByExamDate, 1)
	assert.Equal(t, "2026-01-13", report.BookingsByExamDate[0].Date)
}

func TestAdminBookings(t *testing.T) {
	h := newTestServer(t)
	tuesday := createWindowSlot(t, h)

	w := do(t, h, http.MethodPost, "/api/admin/exam-slots/bulk", map[string]interface{}{
		"date_ranges":   []map[string]string{{"from": "2026-01-15", "to": "2026-01-15"}},
		"windows":       []map[string]interface{}{{"start_time": "09:00", "end_time": "12:00", "allowed_durations": []int{60}}},
		"location_name": "Hall B",
		"row_start":     1,
		"row_end":       5,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var thursday slotsCreated
	decode(t, w, &thursday)
	require.Len(t, thursday.Slots, 1)

	book := func(slotID string, rows []int, email string) BookingResponse {
		w := do(t, h, http.MethodPost, "/api/bookings", map[string]interface{}{
			"exam_slot_id":     slotID,
			"start_time":       "09:00",
			"duration_minutes": 60,
			"selected_rows":    rows,
			"first_name":       "Test",
			"last_name":        "Candidate",
			"email":            email,
		}, false)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var b BookingResponse
		decode(t, w, &b)
		return b
	}
	first := book(thursday.Slots[0].ID, []int{1}, "first@example.com")
	second := book(tuesday.ID, []int{1}, "second@example.com")
	third := book(tuesday.ID, []int{2}, "third@example.com")

	w = do(t, h, http.MethodDelete, "/api/admin/bookings/"+third.ID, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	list := func(query string) BookingsResponse {
		w := do(t, h, http.MethodGet, "/api/admin/bookings"+query, nil, true)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out BookingsResponse
		decode(t, w, &out)
		return out
	}

	all := list("")
	require.Equal(t, 3, all.Count)
	assert.Equal(t, "2026-01-13", all.Bookings[0].ExamDate)
	assert.Equal(t, "2026-01-13", all.Bookings[1].ExamDate)
	assert.Equal(t, first.ID, all.Bookings[2].ID)
	assert.Equal(t, first.ManageToken, all.Bookings[2].ManageToken)
	assert.Equal(t, "Hall B", all.Bookings[2].LocationName)

	later := list("?from=2026-01-14")
	require.Equal(t, 1, later.Count)
	assert.Equal(t, first.ID, later.Bookings[0].ID)

	cancelled := list("?status=cancelled&to=2026-01-13")
	require.Equal(t, 1, cancelled.Count)
	assert.Equal(t, third.ID, cancelled.Bookings[0].ID)

	// Admin reschedule onto the freed row and a later start.
	w = do(t, h, http.MethodPatch, "/api/admin/bookings/"+second.ID, map[string]interface{}{
		"start_time":    "10:00",
		"selected_rows": []int{2, 3},
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var moved BookingResponse
	decode(t, w, &moved)
	assert.Equal(t, "10:00", moved.BookingStartTime)
	assert.Equal(t, []int{2, 3}, moved.SelectedRows)

	w = do(t, h, http.MethodPatch, "/api/admin/bookings/"+first.ID, map[string]interface{}{
		"exam_slot_id":  tuesday.ID,
		"start_time":    "10:00",
		"selected_rows": []int{3},
	}, true)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = do(t, h, http.MethodPatch, "/api/admin/bookings/"+third.ID, map[string]interface{}{"start_time": "11:00"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPatch, "/api/admin/bookings/missing", map[string]interface{}{"start_time": "11:00"}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/admin/bookings", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminSlotEndpoints(t *testing.T) {
	h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/admin/exam-slots", map[string]interface{}{
		"date":             "2026-01-13",
		"repeat_until":     "2026-01-15",
		"start_time":       "14:00",
		"duration_minutes": 90,
		"location_name":    "Lab",
		"row_start":        1,
		"row_end":          4,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out slotsCreated
	decode(t, w, &out)
	require.Equal(t, 3, out.Count)

	id := out.Slots[0].ID
	w = do(t, h, http.MethodPatch, "/api/admin/exam-slots/"+id, map[string]interface{}{"row_end": 8}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var updated model.ExamSlot
	decode(t, w, &updated)
	assert.Equal(t, 8, updated.RowEnd)

	w = do(t, h, http.MethodPatch, "/api/admin/exam-slots/bulk", map[string]interface{}{"ids": []string{id}, "is_active": false}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var count CountResponse
	decode(t, w, &count)
	assert.Equal(t, 1, count.Count)

	w = do(t, h, http.MethodGet, "/api/admin/exam-slots/"+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var sum manager.SlotSummary
	decode(t, w, &sum)
	assert.False(t, sum.IsActive)
	assert.Equal(t, 8, sum.TotalRows)

	w = do(t, h, http.MethodDelete, "/api/admin/exam-slots/bulk", map[string]interface{}{"ids": []string{out.Slots[1].ID, "missing"}}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var bulk manager.BulkDeleteResult
	decode(t, w, &bulk)
	assert.Len(t, bulk.Deleted, 1)
	assert.Len(t, bulk.Failed, 1)

	w = do(t, h, http.MethodPost, "/api/admin/exam-slots/bulk", map[string]interface{}{
		"date_ranges":   []map[string]string{{"from": "2026-01-20", "to": "2026-01-13"}},
		"windows":       []map[string]interface{}{{"start_time": "09:00", "duration_minutes": 60}},
		"location_name": "Lab",
		"row_start":     1,
		"row_end":       4,
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var rejected errorResponse
	decode(t, w, &rejected)
	assert.Equal(t, model.KindInvalidDateRange, rejected.Kind)
}

func TestExportAndReminders(t *testing.T) {
	h := newTestServer(t)
	slot := createWindowSlot(t, h)

	w := do(t, h, http.MethodPost, "/api/bookings", map[string]interface{}{
		"exam_slot_id":     slot.ID,
		"start_time":       "09:00",
		"duration_minutes": 60,
		"selected_rows":    []int{1},
		"first_name":       "Grace",
		"last_name":        "Hopper",
		"email":            "grace@example.com",
	}, false)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodGet, "/api/admin/bookings/export", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	assert.NotZero(t, w.Body.Len())

	w = do(t, h, http.MethodGet, "/api/admin/reminders", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var pending RemindersResponse
	decode(t, w, &pending)
	assert.Equal(t, "2026-01-13", pending.Date)
	assert.Equal(t, 1, pending.Count)

	w = do(t, h, http.MethodPost, "/api/admin/reminders/send", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var res reminders.Result
	decode(t, w, &res)
	assert.Equal(t, reminders.Result{Date: "2026-01-13", Sent: 1, Total: 1}, res)
}

func TestBadRequests(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		admin  bool
	}{
		{"invalid JSON", http.MethodPost, "/api/bookings", "not json", false},
		{"unknown field", http.MethodPost, "/api/bookings", map[string]string{"slot": "x"}, false},
		{"missing slot id", http.MethodPost, "/api/bookings", map[string]string{"email": "a@b.co"}, false},
		{"bad date", http.MethodGet, "/api/exam-slots/durations?date=13-01-2026", nil, false},
		{"missing date", http.MethodGet, "/api/exam-slots/available", nil, false},
		{"bad duration", http.MethodGet, "/api/exam-slots/available?date=2026-01-13&duration=-5", nil, false},
		{"reversed dates", http.MethodGet, "/api/exam-slots/dates?from=2026-02-01&to=2026-01-01", nil, false},
		{"range too long", http.MethodGet, "/api/exam-slots/dates?from=2026-01-12&to=2028-01-12", nil, false},
		{"search without email", http.MethodPost, "/api/bookings/search", map[string]string{"booking_reference": "ABC"}, false},
		{"purge without ids", http.MethodPost, "/api/admin/bookings/bulk-delete", map[string]interface{}{}, true},
		{"reschedule without changes", http.MethodPatch, "/api/admin/bookings/x", map[string]interface{}{}, true},
		{"unknown status", http.MethodGet, "/api/admin/bookings?status=PENDING", nil, true},
		{"bad list date", http.MethodGet, "/api/admin/bookings?from=2026/01/01", nil, true},
		{"toggle without flag", http.MethodPatch, "/api/admin/exam-slots/bulk", map[string]interface{}{"ids": []string{"x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body, tt.admin)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(model.KindSlotNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(model.KindBookingNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(model.KindRowTimeConflict))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.KindReferenceGenerationExhausted))
	assert.Equal(t, http.StatusBadRequest, statusFor(model.KindOutOfWindow))
}
