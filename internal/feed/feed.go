// Package feed turns a raw payload of any supported source into the
// normalized event list the reconciliation engine diffs against storage.
package feed

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"studiosync/internal/gcal"
	"studiosync/internal/ics"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

// Options controls a Parse call.
type Options struct {
	// Window bounds the returned events by start time.
	Window model.Window
	// DefaultLocation applies to floating times. Nil means UTC.
	DefaultLocation *time.Location
	// MaxOccurrencesPerEvent caps recurrence expansion of ICS series.
	MaxOccurrencesPerEvent int
	// Anchor is the instant a capped series keeps its occurrences around,
	// normally the sync time.
	Anchor time.Time
}

// Result is the parsed payload.
type Result struct {
	Events []model.CalendarEvent
	Errors []*syncerr.ParseError
	// Truncated lists ICS series that hit the occurrence cap.
	Truncated []ics.Truncation
}

// Parse dispatches on kind. Row-level problems are returned in
// Result.Errors; a payload that yields no events and only errors, or is
// not of the expected format at all, fails as a whole with a
// *syncerr.ParseError (Index -1).
func Parse(payload []byte, kind model.SourceKind, opts Options) (Result, error) {
	var (
		res Result
		err error
	)
	switch kind {
	case model.SourceICS:
		res, err = parseICS(payload, opts)
	case model.SourceGoogle:
		res, err = parseGoogle(payload, opts)
	default:
		return Result{}, fmt.Errorf("feed: unsupported source kind %q", kind)
	}
	if err != nil {
		return Result{}, &syncerr.ParseError{Index: -1, Err: err}
	}
	if len(res.Events) == 0 && len(res.Errors) > 0 {
		return res, &syncerr.ParseError{Index: -1, Err: fmt.Errorf("no parsable events, %d malformed: %w", len(res.Errors), res.Errors[0])}
	}

	res.Events = dedupe(res.Events)
	sort.SliceStable(res.Events, func(i, j int) bool {
		a, b := res.Events[i], res.Events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ExternalUID < b.ExternalUID
	})
	return res, nil
}

func parseICS(payload []byte, opts Options) (Result, error) {
	parsed, errs, err := ics.ParseICS(payload, ics.ParseOptions{DefaultLocation: opts.DefaultLocation})
	if err != nil {
		return Result{}, err
	}
	expanded, err := ics.Expand(parsed, ics.ExpandConfig{
		Window:                 opts.Window,
		MaxOccurrencesPerEvent: opts.MaxOccurrencesPerEvent,
		Anchor:                 opts.Anchor,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Events:    expanded.Events,
		Errors:    append(errs, expanded.Errors...),
		Truncated: expanded.Truncated,
	}, nil
}

func parseGoogle(payload []byte, opts Options) (Result, error) {
	events, errs, err := gcal.Parse(payload, opts.DefaultLocation)
	if err != nil {
		return Result{}, err
	}
	if opts.Window.End.IsZero() {
		return Result{Events: events, Errors: errs}, nil
	}
	inWindow := events[:0]
	for _, ev := range events {
		if opts.Window.Contains(ev.Start) {
			inWindow = append(inWindow, ev)
		}
	}
	return Result{Events: inWindow, Errors: errs}, nil
}

// dedupe keeps the last event for each external UID.
func dedupe(events []model.CalendarEvent) []model.CalendarEvent {
	idx := make(map[string]int, len(events))
	out := events[:0]
	for _, ev := range events {
		if i, ok := idx[ev.ExternalUID]; ok {
			out[i] = ev
			continue
		}
		idx[ev.ExternalUID] = len(out)
		out = append(out, ev)
	}
	return out
}

// IsFeedLevel reports whether err is a whole-payload parse failure.
func IsFeedLevel(err error) bool {
	var pe *syncerr.ParseError
	return errors.As(err, &pe) && pe.Index < 0
}
