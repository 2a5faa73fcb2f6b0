package web

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates, the latter
// interpreted as midnight in loc.
func parseTimeParam(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD date")
}
