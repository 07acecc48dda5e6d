// Package audit builds booking analytics and the admin workbook export.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"examslots/internal/model"
	"examslots/internal/store"
)

// Summary holds booking totals.
type Summary struct {
	TotalBookings       int `json:"total_bookings"`
	ConfirmedBookings   int `json:"confirmed_bookings"`
	CancelledBookings   int `json:"cancelled_bookings"`
	RescheduledBookings int `json:"rescheduled_bookings"`
	UniquePeople        int `json:"unique_people"`
}

// DayStats counts bookings for one calendar day.
type DayStats struct {
	Date      string `json:"date"`
	Total     int    `json:"total"`
	Confirmed int    `json:"confirmed"`
	Cancelled int    `json:"cancelled"`
}

// Report is the analytics result.
type Report struct {
	Summary            Summary    `json:"summary"`
	BookingsByDate     []DayStats `json:"bookings_by_date"`
	BookingsByExamDate []DayStats `json:"bookings_by_exam_date"`
}

// Filter restricts analytics to bookings created within [From, To].
// Zero values leave that side open.
type Filter struct {
	From time.Time
	To   time.Time
}

func (f Filter) match(created time.Time) bool {
	day := model.DateOf(created)
	if !f.From.IsZero() && day.Before(model.DateOf(f.From)) {
		return false
	}
	if !f.To.IsZero() && day.After(model.DateOf(f.To)) {
		return false
	}
	return true
}

// Service reads bookings for analytics and export.
type Service struct {
	store  store.Reader
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a new audit service.
func NewService(st store.Reader, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// UseClock replaces time.Now.
func (s *Service) UseClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Analytics loads every booking and summarises those matching f.
func (s *Service) Analytics(ctx context.Context, f Filter) (Report, error) {
	list, err := s.bookings(ctx, f)
	if err != nil {
		return Report{}, err
	}
	return Analyze(list), nil
}

func (s *Service) bookings(ctx context.Context, f Filter) ([]store.SlotBooking, error) {
	all, err := s.store.ListBookings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	out := all[:0]
	for _, sb := range all {
		if f.match(sb.Booking.CreatedAt) {
			out = append(out, sb)
		}
	}
	return out, nil
}

// Analyze summarises bookings. Rescheduled counts any booking edited after
// creation. Exam dates come from the live slot or the preserved snapshot;
// bookings with neither are left out of that breakdown.
func Analyze(list []store.SlotBooking) Report {
	var sum Summary
	emails := make(map[string]struct{})
	byCreated := make(map[string]*DayStats)
	byExam := make(map[string]*DayStats)

	for i := range list {
		b := &list[i].Booking
		sum.TotalBookings++
		switch b.Status {
		case model.StatusConfirmed:
			sum.ConfirmedBookings++
		case model.StatusCancelled:
			sum.CancelledBookings++
		}
		if b.IsRescheduled() {
			sum.RescheduledBookings++
		}
		emails[b.Email] = struct{}{}

		count(byCreated, b.CreatedAt.UTC().Format(model.DateLayout), b.Status)
		if d, ok := list[i].ExamDate(); ok {
			count(byExam, d.Format(model.DateLayout), b.Status)
		}
	}
	sum.UniquePeople = len(emails)

	return Report{
		Summary:            sum,
		BookingsByDate:     sorted(byCreated),
		BookingsByExamDate: sorted(byExam),
	}
}

func count(m map[string]*DayStats, day string, status model.BookingStatus) {
	st, ok := m[day]
	if !ok {
		st = &DayStats{Date: day}
		m[day] = st
	}
	st.Total++
	switch status {
	case model.StatusConfirmed:
		st.Confirmed++
	case model.StatusCancelled:
		st.Cancelled++
	}
}

func sorted(m map[string]*DayStats) []DayStats {
	out := make([]DayStats, 0, len(m))
	for _, st := range m {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
