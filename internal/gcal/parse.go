package gcal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

// ErrNotEventList is returned for payloads that are not an events list.
var ErrNotEventList = errors.New("payload is not a google events list")

// Parse normalizes a FetchEvents payload. Cancelled items are dropped;
// malformed items become ParseErrors without failing the others.
func Parse(payload []byte, defaultLoc *time.Location) ([]model.CalendarEvent, []*syncerr.ParseError, error) {
	var list calendar.Events
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotEventList, err)
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if list.TimeZone != "" {
		if loc, err := time.LoadLocation(list.TimeZone); err == nil {
			defaultLoc = loc
		}
	}

	events := make([]model.CalendarEvent, 0, len(list.Items))
	var errs []*syncerr.ParseError
	for i, item := range list.Items {
		if item == nil || item.Status == "cancelled" {
			continue
		}
		ev, err := toEvent(item, defaultLoc)
		if err != nil {
			errs = append(errs, &syncerr.ParseError{Index: i, UID: item.Id, Err: err})
			continue
		}
		events = append(events, ev)
	}
	return events, errs, nil
}

func toEvent(item *calendar.Event, defaultLoc *time.Location) (model.CalendarEvent, error) {
	var out model.CalendarEvent
	if strings.TrimSpace(item.Id) == "" {
		return out, errors.New("missing id")
	}

	start, allDay, tz, err := eventTime(item.Start, defaultLoc)
	if err != nil {
		return out, fmt.Errorf("start: %w", err)
	}
	end := start
	if allDay {
		end = start.AddDate(0, 0, 1)
	}
	if item.End != nil {
		if end, _, _, err = eventTime(item.End, start.Location()); err != nil {
			return out, fmt.Errorf("end: %w", err)
		}
	}
	if end.Before(start) {
		return out, errors.New("end before start")
	}

	out = model.CalendarEvent{
		ExternalUID: item.Id,
		BaseUID:     item.Id,
		Title:       strings.TrimSpace(item.Summary),
		Description: strings.TrimSpace(item.Description),
		Location:    strings.TrimSpace(item.Location),
		Start:       start,
		End:         end,
		TimeZone:    tz,
		AllDay:      allDay,
	}

	if item.RecurringEventId != "" {
		slot := start
		if item.OriginalStartTime != nil {
			if orig, _, _, err := eventTime(item.OriginalStartTime, start.Location()); err == nil {
				slot = orig
			}
		}
		out.BaseUID = item.RecurringEventId
		out.ExternalUID = model.InstanceUID(item.RecurringEventId, slot)
		out.Recurring = true
	}

	out.ContentHash = out.Hash()
	return out, nil
}

// eventTime resolves a provider date or date-time. The returned zone name
// is the one the event was authored in.
func eventTime(dt *calendar.EventDateTime, defaultLoc *time.Location) (time.Time, bool, string, error) {
	if dt == nil {
		return time.Time{}, false, "", errors.New("missing")
	}
	loc := defaultLoc
	if dt.TimeZone != "" {
		if named, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = named
		}
	}

	switch {
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, "", err
		}
		return t.In(loc), false, loc.String(), nil
	case dt.Date != "":
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		if err != nil {
			return time.Time{}, false, "", err
		}
		return t, true, loc.String(), nil
	default:
		return time.Time{}, false, "", errors.New("neither date nor dateTime set")
	}
}
