// Package slots computes the bookable openings of a provider for one day.
// The calculation is a pure function of its input: it reads nothing and
// writes nothing, so identical input always yields identical output.
package slots

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/escrow-reservation/internal/model"
)

// Stride is the spacing between candidate slot starts.
const Stride = 30 * time.Minute

// ErrInvalidInput is returned for non-positive durations or malformed
// window times.
var ErrInvalidInput = errors.New("invalid slot input")

// Booked is an existing reservation that occupies part of the day.
type Booked struct {
	Start           time.Time
	DurationMinutes int
}

// End returns the exclusive end of the booked interval.
func (b Booked) End() time.Time {
	return b.Start.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// Input gathers everything the calculator needs.  Date may be any instant
// on the target calendar day as seen in Location.  Booked should contain
// the provider's PENDING and CONFIRMED reservations around that day.
type Input struct {
	Windows         []model.AvailabilityWindow
	DurationMinutes int
	Date            time.Time
	Location        *time.Location
	Booked          []Booked
	Now             time.Time
}

// Slot is one candidate start time.
type Slot struct {
	Time      string    `json:"time"`
	Start     time.Time `json:"start"`
	Available bool      `json:"available"`
}

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect.  Touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Calculate enumerates the slots of the target day in ascending order.  A
// day without an active window yields an empty, non-nil slice.
func Calculate(in Input) ([]Slot, error) {
	if in.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration %d", ErrInvalidInput, in.DurationMinutes)
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := in.Date.In(loc).Date()
	weekday := time.Date(y, m, d, 0, 0, 0, 0, loc).Weekday()

	window, ok := windowFor(in.Windows, weekday)
	if !ok {
		return []Slot{}, nil
	}
	startMin, err := parseClock(window.StartTime)
	if err != nil {
		return nil, err
	}
	endMin, err := parseClock(window.EndTime)
	if err != nil {
		return nil, err
	}
	if endMin <= startMin {
		return nil, fmt.Errorf("%w: window %s-%s ends before it starts", ErrInvalidInput, window.StartTime, window.EndTime)
	}

	stride := int(Stride / time.Minute)
	out := make([]Slot, 0, (endMin-startMin)/stride+1)
	for cur := startMin; cur+in.DurationMinutes <= endMin; cur += stride {
		start := time.Date(y, m, d, cur/60, cur%60, 0, 0, loc)
		end := start.Add(time.Duration(in.DurationMinutes) * time.Minute)

		available := start.After(in.Now)
		for _, b := range in.Booked {
			if !available {
				break
			}
			if Overlaps(start, end, b.Start, b.End()) {
				available = false
			}
		}
		out = append(out, Slot{
			Time:      fmt.Sprintf("%02d:%02d", cur/60, cur%60),
			Start:     start,
			Available: available,
		})
	}
	return out, nil
}

func windowFor(windows []model.AvailabilityWindow, day time.Weekday) (model.AvailabilityWindow, bool) {
	for _, w := range windows {
		if w.Active && w.DayOfWeek == int(day) {
			return w, true
		}
	}
	return model.AvailabilityWindow{}, false
}

// parseClock converts "HH:MM" to minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: window time %q", ErrInvalidInput, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
