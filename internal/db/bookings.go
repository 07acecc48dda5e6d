package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"examslots/internal/model"
	"examslots/internal/store"
)

const bookingColumns = `id, booking_reference, exam_slot_id, preserved_slot_date, preserved_location_name,
       booking_start_time, booking_duration_minutes, selected_rows,
       first_name, last_name, email, phone, status, manage_token, created_at, updated_at`

func (q *queries) scanBooking(row scanner) (*model.Booking, error) {
	var (
		b                     model.Booking
		slotID, preservedDate sql.NullString
		preservedLocation     sql.NullString
		selectedRows, status  string
	)
	err := row.Scan(
		&b.ID, &b.BookingReference, &slotID, &preservedDate, &preservedLocation,
		&b.BookingStartTime, &b.BookingDurationMinutes, &selectedRows,
		&b.FirstName, &b.LastName, &b.Email, &b.Phone, &status, &b.ManageToken,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = model.BookingStatus(status)
	if slotID.Valid {
		id := slotID.String
		b.ExamSlotID = &id
	}
	if preservedDate.Valid {
		if d, err := model.ParseDate(preservedDate.String); err == nil {
			b.PreservedSlotDate = &d
		} else {
			q.log.Warn().Err(err).Str("booking_id", b.ID).Msg("corrupt preserved slot date")
		}
	}
	b.PreservedLocationName = preservedLocation.String
	b.SelectedRows = q.decodeInts(selectedRows, "selected_rows", b.ID)
	return &b, nil
}

func (q *queries) queryBookings(ctx context.Context, query string, args ...any) ([]model.Booking, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := q.scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// withSlots attaches each booking's live slot.
func (q *queries) withSlots(ctx context.Context, bookings []model.Booking) ([]store.SlotBooking, error) {
	seen := make(map[string]struct{})
	var ids []string
	for i := range bookings {
		id := bookings[i].SlotID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	slots, err := q.slotsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]store.SlotBooking, len(bookings))
	for i := range bookings {
		out[i] = store.SlotBooking{Booking: bookings[i], Slot: slots[bookings[i].SlotID()]}
	}
	return out, nil
}

// ConfirmedBookings returns the CONFIRMED bookings of a slot.
func (q *queries) ConfirmedBookings(ctx context.Context, slotID string) ([]model.Booking, error) {
	return q.queryBookings(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE exam_slot_id = ? AND status = ?
		ORDER BY booking_start_time, created_at`,
		slotID, string(model.StatusConfirmed),
	)
}

// SlotBookings returns all bookings of a slot.
func (q *queries) SlotBookings(ctx context.Context, slotID string) ([]model.Booking, error) {
	return q.queryBookings(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE exam_slot_id = ?
		ORDER BY created_at`,
		slotID,
	)
}

// GetBooking returns the booking or model.ErrBookingNotFound.
func (q *queries) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	return q.getBookingBy(ctx, "id", id)
}

// GetBookingByToken looks a booking up by its manage token.
func (q *queries) GetBookingByToken(ctx context.Context, token string) (*model.Booking, error) {
	if token == "" {
		return nil, model.Errorf(model.KindBookingNotFound, "empty manage token")
	}
	return q.getBookingBy(ctx, "manage_token", token)
}

func (q *queries) getBookingBy(ctx context.Context, column, value string) (*model.Booking, error) {
	b, err := q.scanBooking(q.q.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.KindBookingNotFound, "booking not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// FindBookings matches by reference and/or email.
func (q *queries) FindBookings(ctx context.Context, reference, email string) ([]store.SlotBooking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE 1 = 1`
	var args []any
	if reference != "" {
		query += ` AND booking_reference = ?`
		args = append(args, reference)
	}
	if email != "" {
		query += ` AND lower(email) = ?`
		args = append(args, email)
	}
	if len(args) == 0 {
		return nil, nil
	}
	query += ` ORDER BY created_at DESC`

	bookings, err := q.queryBookings(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return q.withSlots(ctx, bookings)
}

// ListBookings returns all bookings, newest first.
func (q *queries) ListBookings(ctx context.Context) ([]store.SlotBooking, error) {
	bookings, err := q.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return q.withSlots(ctx, bookings)
}

// ConfirmedBookingsOn returns CONFIRMED bookings on live slots dated date.
func (q *queries) ConfirmedBookingsOn(ctx context.Context, date time.Time) ([]store.SlotBooking, error) {
	bookings, err := q.queryBookings(ctx, `
		SELECT `+prefixed("b", bookingColumns)+`
		FROM bookings b
		JOIN exam_slots s ON s.id = b.exam_slot_id
		WHERE s.date = ? AND b.status = ?
		ORDER BY s.start_time, b.booking_start_time`,
		date.Format(model.DateLayout), string(model.StatusConfirmed),
	)
	if err != nil {
		return nil, err
	}
	return q.withSlots(ctx, bookings)
}

// ReferenceExists reports whether any booking already uses reference.
func (q *queries) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var count int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE booking_reference = ?`, reference,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check reference: %w", err)
	}
	return count > 0, nil
}

// InsertBooking stores a new booking.
func (q *queries) InsertBooking(ctx context.Context, b *model.Booking) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.BookingReference, nullSlotID(b.ExamSlotID), nullDate(b.PreservedSlotDate),
		nullString(b.PreservedLocationName), b.BookingStartTime, b.BookingDurationMinutes,
		encodeInts(b.SelectedRows), b.FirstName, b.LastName, b.Email, b.Phone,
		string(b.Status), b.ManageToken, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// UpdateBooking overwrites the mutable columns of a booking.
func (q *queries) UpdateBooking(ctx context.Context, b *model.Booking) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE bookings
		SET exam_slot_id = ?, preserved_slot_date = ?, preserved_location_name = ?,
		    booking_start_time = ?, booking_duration_minutes = ?, selected_rows = ?,
		    first_name = ?, last_name = ?, email = ?, phone = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		nullSlotID(b.ExamSlotID), nullDate(b.PreservedSlotDate), nullString(b.PreservedLocationName),
		b.BookingStartTime, b.BookingDurationMinutes, encodeInts(b.SelectedRows),
		b.FirstName, b.LastName, b.Email, b.Phone, string(b.Status), b.UpdatedAt.UTC(),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Errorf(model.KindBookingNotFound, "booking %s not found", b.ID)
	}
	return nil
}

// DeleteBookings hard-deletes bookings and returns how many were removed.
func (q *queries) DeleteBookings(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM bookings WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete bookings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete bookings: %w", err)
	}
	return int(n), nil
}

func nullSlotID(id *string) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *id, Valid: true}
}

func nullDate(d *time.Time) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(model.DateLayout), Valid: true}
}
