// Package reminders notifies holders of confirmed bookings the day before their exam.
package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"examslots/internal/metrics"
	"examslots/internal/model"
	"examslots/internal/store"
)

// Reader lists confirmed bookings on live slots for a day.
type Reader interface {
	ConfirmedBookingsOn(ctx context.Context, date time.Time) ([]store.SlotBooking, error)
}

// Reminder is what a notifier needs to remind one booking holder.
type Reminder struct {
	BookingID       string `json:"booking_id"`
	Reference       string `json:"booking_reference"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	LocationName    string `json:"location_name"`
	Rows            []int  `json:"selected_rows"`
	ManageToken     string `json:"-"`
}

// Notifier delivers a reminder.
type Notifier interface {
	SendReminder(ctx context.Context, r Reminder) error
}

// Result summarises one send run.
type Result struct {
	Date   string `json:"date"`
	Sent   int    `json:"sent"`
	Errors int    `json:"errors"`
	Total  int    `json:"total"`
}

// Config holds send pacing and retry settings.
type Config struct {
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 5,
		Burst:         10,
		MaxRetries:    2,
		RetryDelay:    500 * time.Millisecond,
	}
}

// Service sends reminders for tomorrow's bookings. Delivery failures are
// counted and never touch the bookings themselves.
type Service struct {
	reader   Reader
	notifier Notifier
	limiter  *rate.Limiter
	config   Config
	logger   zerolog.Logger
	now      func() time.Time
	loc      *time.Location
}

// NewService creates a new reminder service.
func NewService(reader Reader, notifier Notifier, cfg Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	return &Service{
		reader:   reader,
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		config:   cfg,
		logger:   logger.With().Str("component", "reminders").Logger(),
		now:      time.Now,
		loc:      time.UTC,
	}
}

// UseClock replaces time.Now and sets the zone "tomorrow" is computed in.
func (s *Service) UseClock(now func() time.Time, loc *time.Location) *Service {
	s.now = now
	if loc != nil {
		s.loc = loc
	}
	return s
}

// Tomorrow returns the calendar day after today in the service zone.
func (s *Service) Tomorrow() time.Time {
	return model.DateOf(s.now().In(s.loc)).AddDate(0, 0, 1)
}

// Pending lists the reminders a send run would deliver now.
func (s *Service) Pending(ctx context.Context) (time.Time, []Reminder, error) {
	day := s.Tomorrow()
	list, err := s.reader.ConfirmedBookingsOn(ctx, day)
	if err != nil {
		return day, nil, fmt.Errorf("bookings on %s: %w", day.Format(model.DateLayout), err)
	}

	out := make([]Reminder, 0, len(list))
	for i := range list {
		if list[i].Slot == nil {
			continue
		}
		out = append(out, reminderFor(&list[i]))
	}
	return day, out, nil
}

// Send delivers every pending reminder, paced by the rate limiter.
func (s *Service) Send(ctx context.Context) (Result, error) {
	day, pending, err := s.Pending(ctx)
	res := Result{Date: day.Format(model.DateLayout)}
	if err != nil {
		return res, err
	}
	res.Total = len(pending)

	for _, r := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("rate limiter: %w", err)
		}
		if err := s.deliver(ctx, r); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			metrics.IncReminder("failed")
			s.logger.Error().Err(err).Str("booking_id", r.BookingID).Msg("Reminder not delivered")
			continue
		}
		res.Sent++
		metrics.IncReminder("sent")
	}

	s.logger.Info().
		Str("date", res.Date).
		Int("sent", res.Sent).
		Int("errors", res.Errors).
		Int("total", res.Total).
		Msg("Reminders processed")
	return res, nil
}

func (s *Service) deliver(ctx context.Context, r Reminder) error {
	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncReminder("retry")
			s.logger.Debug().Err(err).Int("attempt", attempt).Str("booking_id", r.BookingID).Msg("Retrying reminder")
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = s.notifier.SendReminder(ctx, r); err == nil {
			return nil
		}
	}
	return err
}

func reminderFor(sb *store.SlotBooking) Reminder {
	b := &sb.Booking
	start := b.BookingStartTime
	if start == "" {
		start = sb.Slot.StartTime
	}
	duration := b.BookingDurationMinutes
	if duration <= 0 {
		duration = sb.Slot.DurationMinutes
	}
	return Reminder{
		BookingID:       b.ID,
		Reference:       b.BookingReference,
		FirstName:       b.FirstName,
		LastName:        b.LastName,
		Email:           b.Email,
		Date:            sb.Slot.DateString(),
		StartTime:       start,
		DurationMinutes: duration,
		LocationName:    sb.Slot.LocationName,
		Rows:            b.SelectedRows,
		ManageToken:     b.ManageToken,
	}
}

// LogNotifier writes reminders to the log instead of delivering them.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) SendReminder(_ context.Context, r Reminder) error {
	n.logger.Info().
		Str("reference", r.Reference).
		Str("email", r.Email).
		Str("date", r.Date).
		Str("start_time", r.StartTime).
		Str("location", r.LocationName).
		Msg("Exam reminder")
	return nil
}
