package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Window bounds occurrences by start time. A zero Window.Start means
	// expansion begins at each series' own DTSTART.
	Window model.Window

	// MaxOccurrencesPerEvent caps a single series. Zero means the default.
	MaxOccurrencesPerEvent int

	// Anchor picks the occurrences that survive the cap: the ones nearest
	// to it. Zero keeps the latest ones in the window.
	Anchor time.Time
}

// Truncation names a series that hit the occurrence cap and the span of
// occurrence starts that were kept.
type Truncation struct {
	UID  string
	Kept model.Window
}

// ExpandResult is the flattened event list plus row-level problems.
type ExpandResult struct {
	Events []model.CalendarEvent
	Errors []*syncerr.ParseError
	// Truncated lists series that hit the occurrence cap.
	Truncated []Truncation
}

// Expand turns parsed VEVENTs into concrete events inside cfg.Window.
//
// Non-recurring events keep their UID. Every occurrence of a series gets
// UID "<uid>_<start UTC>", so a stable slot keeps a stable key across
// syncs. A RECURRENCE-ID override replaces the slot it names and keeps
// that slot's key even when it moves the occurrence. Cancelled events and
// cancelled overrides are dropped.
func Expand(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult
	if cfg.Window.End.IsZero() {
		return result, errors.New("expand: window end is required")
	}
	if !cfg.Window.Start.IsZero() && cfg.Window.End.Before(cfg.Window.Start) {
		return result, errors.New("expand: window end is before window start")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	bases := make(map[string]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	var order []string

	for _, ev := range events {
		if ev.IsOverride() {
			if _, seen := bases[ev.UID]; !seen && len(overrides[ev.UID]) == 0 {
				order = append(order, ev.UID)
			}
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		prev, seen := bases[ev.UID]
		if !seen {
			if len(overrides[ev.UID]) == 0 {
				order = append(order, ev.UID)
			}
			bases[ev.UID] = ev
			continue
		}
		// Duplicate UID: the higher SEQUENCE wins, later wins on a tie.
		if ev.Seq >= prev.Seq {
			bases[ev.UID] = ev
		}
	}

	for _, uid := range order {
		base, hasBase := bases[uid]
		ov := overrides[uid]

		switch {
		case !hasBase:
			// Overrides whose series is not in the payload stand alone.
			for _, o := range ov {
				if o.Cancelled() || !cfg.Window.Contains(o.Start) {
					continue
				}
				result.Events = append(result.Events, toEvent(o, model.InstanceUID(uid, *o.Recurrence), true))
			}
		case base.RawRRule == "" && len(base.RDates) == 0:
			if ev, ok := expandSingle(base, ov, cfg.Window); ok {
				result.Events = append(result.Events, ev)
			}
		default:
			occ, kept, err := expandSeries(base, ov, cfg)
			if err != nil {
				result.Errors = append(result.Errors, &syncerr.ParseError{Index: base.Index, UID: uid, Err: err})
				continue
			}
			if kept != nil {
				result.Truncated = append(result.Truncated, Truncation{UID: uid, Kept: *kept})
				appLog.Warn("expand: occurrence cap reached", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent,
					"kept_from", kept.Start, "kept_to", kept.End)
			}
			result.Events = append(result.Events, occ...)
		}
	}

	sort.SliceStable(result.Events, func(i, j int) bool {
		a, b := result.Events[i], result.Events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ExternalUID < b.ExternalUID
	})
	return result, nil
}

func expandSingle(base ParsedEvent, overrides []ParsedEvent, w model.Window) (model.CalendarEvent, bool) {
	ev := base
	if o, ok := findOverrideForStart(overrides, base.Start); ok {
		ev = o
	}
	if ev.Cancelled() || !w.Contains(ev.Start) {
		return model.CalendarEvent{}, false
	}
	return toEvent(ev, base.UID, false), true
}

// expandSeries returns the occurrences of a series in the window. When
// the cap was hit, the span of kept starts is returned as well.
func expandSeries(base ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.CalendarEvent, *model.Window, error) {
	if base.Cancelled() {
		return nil, nil, nil
	}

	var set rrule.Set
	if base.RawRRule != "" {
		r, err := rrule.StrToRRule(base.RawRRule)
		if err != nil {
			return nil, nil, fmt.Errorf("RRULE %q: %w", base.RawRRule, err)
		}
		r.DTStart(base.Start)
		set.RRule(r)
	} else {
		set.DTStart(base.Start)
		set.RDate(base.Start)
	}
	for _, rd := range base.RDates {
		set.RDate(rd)
	}
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(base.Start.Location()))
	}

	from := cfg.Window.Start
	if from.IsZero() || from.Before(base.Start) {
		from = base.Start
	}
	anchor := cfg.Anchor
	if anchor.IsZero() {
		anchor = cfg.Window.End
	}
	starts, hitCap := nearestStarts(set.Iterator(), from, cfg.Window.End, anchor, cfg.MaxOccurrencesPerEvent)
	var kept *model.Window
	if hitCap && len(starts) > 0 {
		kept = &model.Window{Start: starts[0], End: starts[len(starts)-1].Add(time.Nanosecond)}
	}

	duration := base.End.Sub(base.Start)
	days := int(duration.Round(24*time.Hour) / (24 * time.Hour))

	out := make([]model.CalendarEvent, 0, len(starts))
	for _, occStart := range starts {
		uid := model.InstanceUID(base.UID, occStart)

		if o, ok := findOverrideForStart(overrides, occStart); ok {
			if o.Cancelled() || !cfg.Window.Contains(o.Start) {
				continue
			}
			out = append(out, toEvent(o, uid, true))
			continue
		}
		if !cfg.Window.Contains(occStart) {
			continue
		}

		occ := base
		occ.Start = occStart
		if base.AllDay {
			occ.End = occStart.AddDate(0, 0, days)
		} else {
			occ.End = occStart.Add(duration)
		}
		out = append(out, toEvent(occ, uid, true))
	}

	// Overrides that move an occurrence from outside the window into it.
	for _, o := range overrides {
		if o.Cancelled() || !cfg.Window.Contains(o.Start) || containsStart(starts, *o.Recurrence) {
			continue
		}
		if cfg.Window.Contains(*o.Recurrence) {
			// Its slot was inside the window but not generated (EXDATE or
			// beyond the cap), so it is not a live occurrence.
			continue
		}
		out = append(out, toEvent(o, model.InstanceUID(base.UID, *o.Recurrence), true))
	}

	return out, kept, nil
}

// nearestStarts collects the occurrence starts in [from, end] from a sorted
// iterator, keeping at most limit of them: those nearest to anchor. It
// reports whether any start was dropped. Memory stays bounded by limit.
func nearestStarts(next func() (time.Time, bool), from, end, anchor time.Time, limit int) ([]time.Time, bool) {
	var starts []time.Time
	hitCap := false
	for {
		t, ok := next()
		if !ok || t.After(end) {
			break
		}
		if t.Before(from) {
			continue
		}
		if len(starts) < limit {
			starts = append(starts, t)
			continue
		}
		hitCap = true
		// Starts only grow, so once t is no nearer than the oldest kept
		// start no later one will be either.
		if absDuration(t.Sub(anchor)) >= absDuration(starts[0].Sub(anchor)) {
			break
		}
		starts = append(starts[1:], t)
	}
	return starts, hitCap
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// findOverrideForStart finds the override whose RECURRENCE-ID names the
// occurrence starting at slot.
func findOverrideForStart(overrides []ParsedEvent, slot time.Time) (ParsedEvent, bool) {
	var found ParsedEvent
	ok := false
	for _, ov := range overrides {
		if ov.Recurrence == nil || !ov.Recurrence.Equal(slot) {
			continue
		}
		if !ok || ov.Seq >= found.Seq {
			found = ov
			ok = true
		}
	}
	return found, ok
}

func containsStart(starts []time.Time, t time.Time) bool {
	for _, s := range starts {
		if s.Equal(t) {
			return true
		}
	}
	return false
}

func toEvent(ev ParsedEvent, externalUID string, recurring bool) model.CalendarEvent {
	out := model.CalendarEvent{
		ExternalUID: externalUID,
		BaseUID:     ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
		TimeZone:    ev.TZ,
		AllDay:      ev.AllDay,
		Recurring:   recurring,
	}
	out.ContentHash = out.Hash()
	return out
}
