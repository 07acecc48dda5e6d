package slots

import (
	"fmt"

	"examslots/internal/model"
)

// DefaultGranularity is the step between offered start times, in minutes.
const DefaultGranularity = 60

const minutesPerDay = 24 * 60

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(hhmm string) (int, error) {
	if len(hhmm) != 5 || hhmm[2] != ':' {
		return 0, model.Errorf(model.KindInvalidTimeFormat, "invalid time %q, expected HH:MM", hhmm)
	}
	hour, ok1 := twoDigits(hhmm[0], hhmm[1])
	minute, ok2 := twoDigits(hhmm[3], hhmm[4])
	if !ok1 || !ok2 || hour > 23 || minute > 59 {
		return 0, model.Errorf(model.KindInvalidTimeFormat, "invalid time %q, expected HH:MM", hhmm)
	}
	return hour*60 + minute, nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

// FormatClock renders minutes since midnight as "HH:MM", wrapping past midnight.
func FormatClock(minutes int) string {
	m := ((minutes % minutesPerDay) + minutesPerDay) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Overlaps reports whether [startA, startA+durA) and [startB, startB+durB) intersect.
// Touching endpoints do not overlap.
func Overlaps(startA, durA, startB, durB int) bool {
	return startA < startB+durB && startB < startA+durA
}

// CandidateStartTimes lists the start offsets at which a booking of duration
// fits inside [windowStart, windowEnd), stepping by granularity from windowStart.
func CandidateStartTimes(windowStart, windowEnd, duration, granularity int) []int {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	if duration <= 0 || windowStart+duration > windowEnd {
		return nil
	}

	var starts []int
	for t := windowStart; t+duration <= windowEnd; t += granularity {
		starts = append(starts, t)
	}
	return starts
}
