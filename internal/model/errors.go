package model

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a rejected engine operation.
type ErrorKind string

const (
	KindInvalidTimeFormat            ErrorKind = "invalid_time_format"
	KindSlotInactive                 ErrorKind = "slot_inactive"
	KindSlotNotFound                 ErrorKind = "slot_not_found"
	KindOutOfWindow                  ErrorKind = "out_of_window"
	KindDurationNotAllowed           ErrorKind = "duration_not_allowed"
	KindRowOutOfRange                ErrorKind = "row_out_of_range"
	KindNoRowsSelected               ErrorKind = "no_rows_selected"
	KindRowTimeConflict              ErrorKind = "row_time_conflict"
	KindBookingNotFound              ErrorKind = "booking_not_found"
	KindAlreadyCancelled             ErrorKind = "already_cancelled"
	KindBookingCancelled             ErrorKind = "booking_cancelled"
	KindInvalidWindow                ErrorKind = "invalid_window"
	KindInvalidRowRange              ErrorKind = "invalid_row_range"
	KindInvalidDateRange             ErrorKind = "invalid_date_range"
	KindInvalidContact               ErrorKind = "invalid_contact"
	KindInvalidLocation              ErrorKind = "invalid_location"
	KindReferenceGenerationExhausted ErrorKind = "reference_generation_exhausted"
)

// TimeRange is a booking window in minutes since midnight.
type TimeRange struct {
	Start    int `json:"start"`
	Duration int `json:"duration"`
}

// Error is a typed rejection. It matches any other *Error of the same kind
// under errors.Is, so callers compare against the Err* sentinels below.
type Error struct {
	Kind    ErrorKind
	Message string
	Rows    []int      // offending rows for RowOutOfRange and RowTimeConflict
	Window  *TimeRange // colliding booking window for RowTimeConflict
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Rows) > 0 {
		fmt.Fprintf(&b, " (rows %v)", e.Rows)
	}
	return b.String()
}

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds a typed error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidTimeFormat            = &Error{Kind: KindInvalidTimeFormat}
	ErrSlotInactive                 = &Error{Kind: KindSlotInactive}
	ErrSlotNotFound                 = &Error{Kind: KindSlotNotFound}
	ErrOutOfWindow                  = &Error{Kind: KindOutOfWindow}
	ErrDurationNotAllowed           = &Error{Kind: KindDurationNotAllowed}
	ErrRowOutOfRange                = &Error{Kind: KindRowOutOfRange}
	ErrNoRowsSelected               = &Error{Kind: KindNoRowsSelected}
	ErrRowTimeConflict              = &Error{Kind: KindRowTimeConflict}
	ErrBookingNotFound              = &Error{Kind: KindBookingNotFound}
	ErrAlreadyCancelled             = &Error{Kind: KindAlreadyCancelled}
	ErrBookingCancelled             = &Error{Kind: KindBookingCancelled}
	ErrInvalidWindow                = &Error{Kind: KindInvalidWindow}
	ErrInvalidRowRange              = &Error{Kind: KindInvalidRowRange}
	ErrInvalidDateRange             = &Error{Kind: KindInvalidDateRange}
	ErrInvalidContact               = &Error{Kind: KindInvalidContact}
	ErrInvalidLocation              = &Error{Kind: KindInvalidLocation}
	ErrReferenceGenerationExhausted = &Error{Kind: KindReferenceGenerationExhausted}
)
