package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examslots/internal/model"
)

const slotColumns = `id, date, start_time, end_time, allowed_durations, duration_minutes,
       location_name, row_start, row_end, default_seats_per_row, is_active,
       day_exceptions, created_at, updated_at`

func (q *queries) scanSlot(row scanner) (*model.ExamSlot, error) {
	var (
		s                  model.ExamSlot
		date               string
		endTime            sql.NullString
		durations, except  string
		defaultSeatsPerRow sql.NullInt64
	)
	err := row.Scan(
		&s.ID, &date, &s.StartTime, &endTime, &durations, &s.DurationMinutes,
		&s.LocationName, &s.RowStart, &s.RowEnd, &defaultSeatsPerRow, &s.IsActive,
		&except, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.Date, err = model.ParseDate(date); err != nil {
		return nil, fmt.Errorf("slot %s date %q: %w", s.ID, date, err)
	}
	if endTime.Valid {
		s.EndTime = endTime.String
	}
	if defaultSeatsPerRow.Valid {
		n := int(defaultSeatsPerRow.Int64)
		s.DefaultSeatsPerRow = &n
	}
	s.AllowedDurations = q.decodeInts(durations, "allowed_durations", s.ID)
	s.DayExceptions = q.decodeInts(except, "day_exceptions", s.ID)
	return &s, nil
}

// decodeInts reads a JSON integer list. Corrupt values decode as empty.
func (q *queries) decodeInts(raw, column, id string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		q.log.Warn().Err(err).Str("column", column).Str("id", id).Msg("corrupt integer list, treating as empty")
		return nil
	}
	return out
}

func encodeInts(v []int) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// GetSlot returns the slot or model.ErrSlotNotFound.
func (q *queries) GetSlot(ctx context.Context, id string) (*model.ExamSlot, error) {
	s, err := q.scanSlot(q.q.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM exam_slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.KindSlotNotFound, "slot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

// SlotsBetween returns slots dated within [from, to], both inclusive.
func (q *queries) SlotsBetween(ctx context.Context, from, to time.Time) ([]model.ExamSlot, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM exam_slots
		WHERE date >= ? AND date <= ?
		ORDER BY date, start_time, location_name`,
		from.Format(model.DateLayout), to.Format(model.DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer rows.Close()

	var out []model.ExamSlot
	for rows.Next() {
		s, err := q.scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (q *queries) slotsByID(ctx context.Context, ids []string) (map[string]*model.ExamSlot, error) {
	out := make(map[string]*model.ExamSlot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM exam_slots WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query slots by id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := q.scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

// InsertSlot stores a new slot.
func (q *queries) InsertSlot(ctx context.Context, s *model.ExamSlot) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO exam_slots (`+slotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DateString(), s.StartTime, nullString(s.EndTime), encodeInts(s.AllowedDurations),
		s.DurationMinutes, s.LocationName, s.RowStart, s.RowEnd, nullInt(s.DefaultSeatsPerRow),
		s.IsActive, encodeInts(s.DayExceptions), s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// UpdateSlot overwrites every mutable column of an existing slot.
func (q *queries) UpdateSlot(ctx context.Context, s *model.ExamSlot) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE exam_slots
		SET date = ?, start_time = ?, end_time = ?, allowed_durations = ?, duration_minutes = ?,
		    location_name = ?, row_start = ?, row_end = ?, default_seats_per_row = ?,
		    is_active = ?, day_exceptions = ?, updated_at = ?
		WHERE id = ?`,
		s.DateString(), s.StartTime, nullString(s.EndTime), encodeInts(s.AllowedDurations), s.DurationMinutes,
		s.LocationName, s.RowStart, s.RowEnd, nullInt(s.DefaultSeatsPerRow),
		s.IsActive, encodeInts(s.DayExceptions), s.UpdatedAt.UTC(),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Errorf(model.KindSlotNotFound, "slot %s not found", s.ID)
	}
	return nil
}

// SetSlotsActive flips is_active on the given slots and returns how many matched.
func (q *queries) SetSlotsActive(ctx context.Context, ids []string, active bool, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{active, at.UTC()}, stringArgs(ids)...)
	res, err := q.q.ExecContext(ctx,
		`UPDATE exam_slots SET is_active = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("set slots active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set slots active: %w", err)
	}
	return int(n), nil
}

// DeleteSlot removes a slot. It fails while any booking still references it.
func (q *queries) DeleteSlot(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM exam_slots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Errorf(model.KindSlotNotFound, "slot %s not found", id)
	}
	return nil
}
