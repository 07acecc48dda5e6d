package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"examslots/internal/model"
	"examslots/internal/store"
)

// ExcelWriter writes tabular data to a workbook.
type ExcelWriter interface {
	AddSheet(name string) error
	WriteHeader(columns []string) error
	WriteRow(row []interface{}) error
	Save(w io.Writer) error
	Close() error
}

// ExcelizeWriter implements ExcelWriter using excelize.
type ExcelizeWriter struct {
	file         *excelize.File
	currentSheet string
	currentRow   int
}

// NewExcelizeWriter creates a new workbook writer.
func NewExcelizeWriter() *ExcelizeWriter {
	return &ExcelizeWriter{file: excelize.NewFile()}
}

// AddSheet adds a sheet and makes it current. The first call renames the
// default sheet.
func (w *ExcelizeWriter) AddSheet(name string) error {
	// Excel limit
	if len(name) > 31 {
		name = name[:31]
	}

	if w.currentSheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet %s: %w", name, err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}

	w.currentSheet = name
	w.currentRow = 1
	return nil
}

// WriteHeader writes a bold header row.
func (w *ExcelizeWriter) WriteHeader(columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("header has no columns")
	}
	row := make([]interface{}, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	if err := w.WriteRow(row); err != nil {
		return err
	}

	style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	first, err := excelize.CoordinatesToCellName(1, w.currentRow-1)
	if err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(columns), w.currentRow-1)
	if err != nil {
		return err
	}
	if err := w.file.SetCellStyle(w.currentSheet, first, last, style); err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	return nil
}

// WriteRow writes one row to the current sheet.
func (w *ExcelizeWriter) WriteRow(row []interface{}) error {
	if w.currentSheet == "" {
		return fmt.Errorf("no active sheet")
	}
	cell, err := excelize.CoordinatesToCellName(1, w.currentRow)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.currentSheet, cell, &row); err != nil {
		return err
	}
	w.currentRow++
	return nil
}

// Save writes the workbook to wr.
func (w *ExcelizeWriter) Save(wr io.Writer) error {
	return w.file.Write(wr)
}

// Close releases resources.
func (w *ExcelizeWriter) Close() error {
	return w.file.Close()
}

var bookingColumns = []string{
	"Reference", "Status", "Exam date", "Location", "Start", "Duration (min)", "Rows",
	"First name", "Last name", "Email", "Phone", "Slot deleted", "Created", "Updated",
}

// ExportFilename names the workbook after the export day.
func ExportFilename(t time.Time) string {
	return fmt.Sprintf("bookings_%s.xlsx", t.Format(model.DateLayout))
}

// Export writes every booking matching f plus a summary sheet to w.
func (s *Service) Export(ctx context.Context, f Filter, w io.Writer) error {
	list, err := s.bookings(ctx, f)
	if err != nil {
		return err
	}

	xl := NewExcelizeWriter()
	defer xl.Close()

	if err := writeBookings(xl, list); err != nil {
		return fmt.Errorf("write bookings sheet: %w", err)
	}
	if err := writeSummary(xl, Analyze(list)); err != nil {
		return fmt.Errorf("write summary sheet: %w", err)
	}
	if err := xl.Save(w); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}

	s.logger.Info().Int("bookings", len(list)).Msg("Bookings exported")
	return nil
}

func writeBookings(xl ExcelWriter, list []store.SlotBooking) error {
	if err := xl.AddSheet("Bookings"); err != nil {
		return err
	}
	if err := xl.WriteHeader(bookingColumns); err != nil {
		return err
	}
	for i := range list {
		sb := &list[i]
		b := &sb.Booking
		examDate := ""
		if d, ok := sb.ExamDate(); ok {
			examDate = d.Format(model.DateLayout)
		}
		err := xl.WriteRow([]interface{}{
			b.BookingReference,
			string(b.Status),
			examDate,
			sb.LocationName(),
			b.BookingStartTime,
			b.BookingDurationMinutes,
			joinRows(b.SelectedRows),
			b.FirstName,
			b.LastName,
			b.Email,
			b.Phone,
			b.IsTombstoned(),
			b.CreatedAt.UTC().Format(time.RFC3339),
			b.UpdatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeSummary(xl ExcelWriter, r Report) error {
	if err := xl.AddSheet("Summary"); err != nil {
		return err
	}
	if err := xl.WriteHeader([]string{"Metric", "Value"}); err != nil {
		return err
	}
	rows := [][]interface{}{
		{"Total bookings", r.Summary.TotalBookings},
		{"Confirmed", r.Summary.ConfirmedBookings},
		{"Cancelled", r.Summary.CancelledBookings},
		{"Rescheduled", r.Summary.RescheduledBookings},
		{"Unique people", r.Summary.UniquePeople},
	}
	for _, row := range rows {
		if err := xl.WriteRow(row); err != nil {
			return err
		}
	}

	if err := xl.AddSheet("By exam date"); err != nil {
		return err
	}
	if err := xl.WriteHeader([]string{"Date", "Total", "Confirmed", "Cancelled"}); err != nil {
		return err
	}
	for _, d := range r.BookingsByExamDate {
		if err := xl.WriteRow([]interface{}{d.Date, d.Total, d.Confirmed, d.Cancelled}); err != nil {
			return err
		}
	}
	return nil
}

func joinRows(rows []int) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = fmt.Sprint(r)
	}
	return strings.Join(parts, ",")
}
