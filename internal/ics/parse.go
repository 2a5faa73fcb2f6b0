package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"studiosync/internal/syncerr"
)

// ErrNotCalendar is returned for payloads without a VCALENDAR envelope,
// e.g. an HTML login page served instead of the feed.
var ErrNotCalendar = errors.New("payload is not an iCalendar document")

// ParsedEvent is one VEVENT with its dates resolved to concrete instants.
// Recurrence is not expanded yet; see Expand.
type ParsedEvent struct {
	// Index is the position of the VEVENT in the payload.
	Index int

	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	Status      string

	Start  time.Time
	End    time.Time
	AllDay bool
	// TZ is the IANA zone name the event was authored in.
	TZ string

	RawRRule string
	ExDates  []time.Time
	RDates   []time.Time

	// Recurrence is the RECURRENCE-ID of an override, nil for base events.
	Recurrence *time.Time
}

// Cancelled reports STATUS:CANCELLED.
func (e ParsedEvent) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

// IsOverride reports whether e replaces one occurrence of a series.
func (e ParsedEvent) IsOverride() bool {
	return e.Recurrence != nil
}

// ParseOptions tunes ParseICS.
type ParseOptions struct {
	// DefaultLocation applies to floating times when the calendar does
	// not name a zone with X-WR-TIMEZONE. Nil means UTC.
	DefaultLocation *time.Location
}

// ParseICS parses an iCalendar payload one VEVENT at a time. A malformed
// VEVENT yields a ParseError and parsing continues with the next one.
// The returned error is non-nil only when the payload as a whole is not a
// calendar.
func ParseICS(body []byte, opts ParseOptions) ([]ParsedEvent, []*syncerr.ParseError, error) {
	if len(body) > maxBodyBytes {
		return nil, nil, fmt.Errorf("payload of %d bytes exceeds %d byte limit", len(body), maxBodyBytes)
	}
	lines := unfold(body)
	if !hasCalendarEnvelope(lines) {
		return nil, nil, ErrNotCalendar
	}

	defaultLoc := opts.DefaultLocation
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}

	blocks, header := splitEvents(lines)
	if tz := headerValue(header, "X-WR-TIMEZONE"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			defaultLoc = loc
		}
	}

	events := make([]ParsedEvent, 0, len(blocks))
	var errs []*syncerr.ParseError

	for i, block := range blocks {
		uid := blockUID(block.lines)
		if !block.closed {
			errs = append(errs, &syncerr.ParseError{Index: i, UID: uid, Err: errors.New("unterminated VEVENT")})
			continue
		}
		ev, err := parseBlock(block.lines, defaultLoc)
		if err != nil {
			errs = append(errs, &syncerr.ParseError{Index: i, UID: uid, Err: err})
			continue
		}
		ev.Index = i
		events = append(events, ev)
	}

	return events, errs, nil
}

type eventBlock struct {
	lines  []string
	closed bool
}

// unfold joins RFC 5545 continuation lines (leading space or tab). Lines
// have no length limit; ParseICS bounds the body size.
func unfold(body []byte) []string {
	var (
		out     []string
		cur     []byte
		started bool
	)
	flush := func() {
		if started && len(bytes.TrimSpace(cur)) > 0 {
			out = append(out, string(cur))
		}
	}
	for len(body) > 0 {
		var line []byte
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			line, body = body[:i], body[i+1:]
		} else {
			line, body = body, nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && started {
			cur = append(cur, line[1:]...)
			continue
		}
		flush()
		cur = append(cur[:0], line...)
		started = true
	}
	flush()
	return out
}

func hasCalendarEnvelope(lines []string) bool {
	for _, l := range lines {
		if strings.EqualFold(strings.TrimSpace(l), "BEGIN:VCALENDAR") {
			return true
		}
	}
	return false
}

// splitEvents cuts the VEVENT blocks out of the calendar. Lines outside
// any VEVENT are returned as the header.
func splitEvents(lines []string) ([]eventBlock, []string) {
	var blocks []eventBlock
	var header []string
	var cur *eventBlock
	depth := 0

	for _, l := range lines {
		upper := strings.ToUpper(strings.TrimSpace(l))
		switch {
		case upper == "BEGIN:VEVENT":
			if cur != nil {
				// BEGIN inside an open VEVENT: the previous one never ended.
				blocks = append(blocks, *cur)
			}
			cur = &eventBlock{lines: []string{l}}
			depth = 0
		case cur != nil && upper == "END:VEVENT" && depth == 0:
			cur.lines = append(cur.lines, l)
			cur.closed = true
			blocks = append(blocks, *cur)
			cur = nil
		case cur != nil:
			if strings.HasPrefix(upper, "BEGIN:") {
				depth++
			} else if strings.HasPrefix(upper, "END:") && depth > 0 {
				depth--
			}
			cur.lines = append(cur.lines, l)
		default:
			header = append(header, l)
		}
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks, header
}

func headerValue(header []string, name string) string {
	for _, l := range header {
		k, v, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		k, _, _ = strings.Cut(k, ";")
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// blockUID recovers the UID of a block even when the block fails to parse.
func blockUID(lines []string) string {
	return headerValue(lines, "UID")
}

func parseBlock(lines []string, defaultLoc *time.Location) (ParsedEvent, error) {
	var doc strings.Builder
	doc.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//studiosync//feed//EN\r\n")
	for _, l := range lines {
		doc.WriteString(l)
		doc.WriteString("\r\n")
	}
	doc.WriteString("END:VCALENDAR\r\n")

	cal, err := ical.ParseCalendar(strings.NewReader(doc.String()))
	if err != nil {
		return ParsedEvent{}, err
	}
	vevents := cal.Events()
	if len(vevents) != 1 {
		return ParsedEvent{}, fmt.Errorf("expected one VEVENT, found %d", len(vevents))
	}
	return parseVEvent(vevents[0], defaultLoc)
}

func parseVEvent(ve *ical.VEvent, defaultLoc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStart.Value, dtStart.ICalParameters, defaultLoc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay
	out.TZ = start.Location().String()

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, _, err := propTime(dtEnd.Value, dtEnd.ICalParameters, start.Location())
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		if end.Before(start) {
			return out, errors.New("DTEND before DTSTART")
		}
		out.End = end
	} else if allDay {
		out.End = start.AddDate(0, 0, 1)
	} else {
		out.End = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	out.ExDates, err = propTimeList(ve.GetProperties(ical.ComponentPropertyExdate), start.Location())
	if err != nil {
		return out, fmt.Errorf("EXDATE: %w", err)
	}
	out.RDates, err = propTimeList(ve.GetProperties(ical.ComponentPropertyRdate), start.Location())
	if err != nil {
		return out, fmt.Errorf("RDATE: %w", err)
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		t, _, err := propTime(rid.Value, rid.ICalParameters, start.Location())
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.Recurrence = &t
	}

	return out, nil
}

func propTimeList(props []*ical.IANAProperty, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := propTime(part, p.ICalParameters, loc)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// propTime resolves a DATE or DATE-TIME value. UTC values keep UTC, TZID
// values use the named zone (falling back to loc for unknown names) and
// floating values use loc. DATE values are midnight in loc.
func propTime(value string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, errors.New("empty value")
	}

	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		name := strings.Trim(tzs[0], `"`)
		if named, err := time.LoadLocation(name); err == nil {
			loc = named
		}
	}

	isDate := !strings.Contains(value, "T")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}

	if isDate {
		t, err := time.ParseInLocation("20060102", value, loc)
		return t, true, err
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	}
	t, err := time.ParseInLocation("20060102T150405", value, loc)
	return t, false, err
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(v string) string {
	return strings.TrimSpace(textUnescaper.Replace(v))
}
