package booking

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrInvalidAvailability = errors.New("availability rules overlap or are malformed")
)

// fullDayStart/fullDayEnd bound the window opened by an Available=true exception.
const (
	fullDayStart TimeOfDay = 0
	fullDayEnd   TimeOfDay = 24 * 60
)

// ComputeSlots returns the bookable windows for one professional on one date,
// ascending by start time. It is a pure function of its inputs so calendars are
// never served from a stale cache.
//
// An exception for the date wins over every recurring rule: Available=false
// yields no slots, Available=true opens the entire day. Otherwise the weekly
// rules matching the date's weekday are cut into slotDuration-sized windows
// (the trailing partial window is dropped), windows overlapping a
// non-cancelled appointment are subtracted, and windows starting less than
// minLead after now are filtered out.
func ComputeSlots(
	rules []AvailabilityRule,
	exceptions []AvailabilityException,
	appointments []Appointment,
	date time.Time,
	slotDuration time.Duration,
	minLead time.Duration,
	now time.Time,
) []TimeSlot {
	step := int(slotDuration / time.Minute)
	if step <= 0 {
		return nil
	}

	day := DateOf(date)

	type window struct{ start, end TimeOfDay }
	var windows []window

	if ex := exceptionFor(exceptions, day); ex != nil {
		if !ex.Available {
			return nil
		}
		windows = []window{{fullDayStart, fullDayEnd}}
	} else {
		weekday := int(day.Weekday())
		for _, r := range rules {
			if r.DayOfWeek == weekday {
				windows = append(windows, window{r.Start, r.End})
			}
		}
	}

	busy := make([]Appointment, 0, len(appointments))
	for _, a := range appointments {
		if a.Status != StatusCancelled && DateOf(a.Date).Equal(day) {
			busy = append(busy, a)
		}
	}

	earliest := now.Add(minLead)

	var slots []TimeSlot
	for _, w := range windows {
		for start := w.start; start+TimeOfDay(step) <= w.end; start += TimeOfDay(step) {
			end := start + TimeOfDay(step)
			if overlapsAny(busy, start, end) {
				continue
			}
			if start.On(day).Before(earliest) {
				continue
			}
			slots = append(slots, TimeSlot{Date: day, Start: start, End: end})
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })

	return slots
}

// overlapsAny reports whether [start,end) intersects any busy appointment.
// Touching intervals do not overlap, so a booking never removes its neighbors.
func overlapsAny(busy []Appointment, start, end TimeOfDay) bool {
	for _, a := range busy {
		if start < a.End && a.Start < end {
			return true
		}
	}
	return false
}

func exceptionFor(exceptions []AvailabilityException, day time.Time) *AvailabilityException {
	for i := range exceptions {
		if DateOf(exceptions[i].Date).Equal(day) {
			return &exceptions[i]
		}
	}
	return nil
}

// ValidateRules rejects rule sets with malformed windows or overlapping rules
// on the same weekday. Invalid rule sets are refused at write time so booking
// never sees them.
func ValidateRules(rules []AvailabilityRule) error {
	for _, r := range rules {
		if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
			return ErrInvalidAvailability
		}
		if r.Start < fullDayStart || r.End > fullDayEnd || r.Start >= r.End {
			return ErrInvalidAvailability
		}
	}
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			if rules[i].DayOfWeek != rules[j].DayOfWeek {
				continue
			}
			if rules[i].Start < rules[j].End && rules[j].Start < rules[i].End {
				return ErrInvalidAvailability
			}
		}
	}
	return nil
}
