package model

import "time"

// DateLayout is the calendar-day format used for slot dates everywhere.
const DateLayout = "2006-01-02"

// ExamSlot is a bookable block of rows at a location on one calendar day.
// A slot without EndTime (or without AllowedDurations) is a legacy slot with a
// single fixed start and duration.
type ExamSlot struct {
	ID                 string    `json:"id"`
	Date               time.Time `json:"date"`                 // UTC midnight
	StartTime          string    `json:"start_time"`           // "09:00"
	EndTime            string    `json:"end_time,omitempty"`   // "12:00", empty for legacy slots
	AllowedDurations   []int     `json:"allowed_durations"`    // minutes
	DurationMinutes    int       `json:"duration_minutes"`     // legacy duration or window span
	LocationName       string    `json:"location_name"`
	RowStart           int       `json:"row_start"`
	RowEnd             int       `json:"row_end"`
	DefaultSeatsPerRow *int      `json:"default_seats_per_row,omitempty"`
	IsActive           bool      `json:"is_active"`
	DayExceptions      []int     `json:"day_exceptions,omitempty"` // 0=Sunday..6=Saturday
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DateString returns the slot date as YYYY-MM-DD.
func (s *ExamSlot) DateString() string {
	return s.Date.Format(DateLayout)
}

// IsExceptedDay reports whether the slot falls on one of its own excepted weekdays.
func (s *ExamSlot) IsExceptedDay() bool {
	wd := int(s.Date.Weekday())
	for _, d := range s.DayExceptions {
		if d == wd {
			return true
		}
	}
	return false
}

// DateOf truncates t to its calendar day and returns it as UTC midnight.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD (anything after the date part is ignored).
func ParseDate(s string) (time.Time, error) {
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	return time.Parse(DateLayout, s)
}
