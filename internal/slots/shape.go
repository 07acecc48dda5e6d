package slots

import "examslots/internal/model"

// Shape is the resolved form of an exam slot: either Legacy or Window.
type Shape interface {
	// Offered returns the durations a booking may choose, ascending.
	Offered() []int
	// Contains reports whether a booking at start for duration fits the slot.
	Contains(start, duration int) bool

	shape()
}

// Legacy is a slot with one fixed start and duration.
type Legacy struct {
	Start    int
	Duration int
}

func (l Legacy) Offered() []int {
	if l.Duration <= 0 {
		return nil
	}
	return []int{l.Duration}
}

func (l Legacy) Contains(start, duration int) bool {
	return start == l.Start && duration == l.Duration
}

func (Legacy) shape() {}

// Window is a slot where bookers choose a start and a duration inside [Start, End).
type Window struct {
	Start     int
	End       int
	Durations []int
}

func (w Window) Offered() []int { return w.Durations }

func (w Window) Contains(start, duration int) bool {
	return w.Start <= start && start+duration <= w.End
}

// Span is the window length in minutes.
func (w Window) Span() int { return w.End - w.Start }

func (Window) shape() {}

// IsLegacy reports whether the slot has no selectable time window.
func IsLegacy(slot *model.ExamSlot) bool {
	return slot.EndTime == "" || len(slot.AllowedDurations) == 0
}

// ShapeOf resolves a slot into its tagged shape.
func ShapeOf(slot *model.ExamSlot) (Shape, error) {
	start, err := ParseClock(slot.StartTime)
	if err != nil {
		return nil, err
	}
	if IsLegacy(slot) {
		return Legacy{Start: start, Duration: slot.DurationMinutes}, nil
	}

	end, err := ParseClock(slot.EndTime)
	if err != nil {
		return nil, err
	}
	if end <= start {
		return nil, model.Errorf(model.KindInvalidWindow, "window %s-%s ends before it starts", slot.StartTime, slot.EndTime)
	}
	return Window{Start: start, End: end, Durations: DurationsOffered(slot)}, nil
}

// DurationsOffered returns the durations a slot can serve, ascending.
func DurationsOffered(slot *model.ExamSlot) []int {
	if IsLegacy(slot) || len(slot.AllowedDurations) == 0 {
		if slot.DurationMinutes <= 0 {
			return nil
		}
		return []int{slot.DurationMinutes}
	}
	return model.Distinct(slot.AllowedDurations)
}

// Offers reports whether duration is one of the shape's durations.
func Offers(s Shape, duration int) bool {
	for _, d := range s.Offered() {
		if d == duration {
			return true
		}
	}
	return false
}

// RowCount is the number of rows in the slot's inclusive range.
func RowCount(slot *model.ExamSlot) int {
	if slot.RowEnd < slot.RowStart {
		return 0
	}
	return slot.RowEnd - slot.RowStart + 1
}

// IsWithinWindow reports whether a booking at start for duration fits the slot.
func IsWithinWindow(slot *model.ExamSlot, start, duration int) (bool, error) {
	s, err := ShapeOf(slot)
	if err != nil {
		return false, err
	}
	return s.Contains(start, duration), nil
}

// UnionDurations merges duration sets, ascending and distinct.
func UnionDurations(sets ...[]int) []int {
	var all []int
	for _, s := range sets {
		all = append(all, s...)
	}
	return model.Distinct(all)
}
