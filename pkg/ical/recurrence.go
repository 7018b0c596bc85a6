package ical

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/soderlund/maildav/internal/storage"
)

type Interval struct{ S, E time.Time }

// Occurrences expands an event's instances intersecting [start, end).
// Non-recurring events yield at most one interval.
func Occurrences(ev *storage.Event, start, end time.Time) []Interval {
	evStart, evEnd := ev.Start.Time, ev.End.Time
	if evEnd.IsZero() {
		evEnd = ev.Due.Time
	}
	duration := evEnd.Sub(evStart)
	if duration < 0 {
		duration = 0
	}

	if ev.RRule == "" {
		if overlaps(evStart, evStart.Add(duration), start, end) {
			return []Interval{{S: evStart, E: evStart.Add(duration)}}
		}
		return nil
	}

	rruleStr := "DTSTART:" + evStart.UTC().Format("20060102T150405Z") + "\nRRULE:" + ev.RRule
	rule, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		// Stored rules were validated on decode; an unparsable one means
		// legacy data, treated as non-recurring.
		if overlaps(evStart, evStart.Add(duration), start, end) {
			return []Interval{{S: evStart, E: evStart.Add(duration)}}
		}
		return nil
	}

	var out []Interval
	for _, t := range rule.Between(start.Add(-duration), end, true) {
		if overlaps(t, t.Add(duration), start, end) {
			out = append(out, Interval{S: t, E: t.Add(duration)})
		}
	}
	return out
}

// OverlapsRange reports whether any instance of the event intersects the
// window.
func OverlapsRange(ev *storage.Event, start, end time.Time) bool {
	return len(Occurrences(ev, start, end)) > 0
}

// BusyIntervals flattens the events' instances within the window into a
// start-sorted interval list.
func BusyIntervals(events []*storage.Event, start, end time.Time) []Interval {
	var busy []Interval
	for _, ev := range events {
		busy = append(busy, Occurrences(ev, start, end)...)
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].S.Before(busy[j].S) })
	return busy
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Equal(aStart) {
		aEnd = aStart.Add(time.Second)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
