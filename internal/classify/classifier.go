// Package classify decides which events of a mixed calendar are classes.
package classify

import (
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
)

// Classifier evaluates sync filter rules. Compiled regexes are cached, so
// one Classifier should be shared. It is safe for concurrent use.
type Classifier struct {
	regexps sync.Map // pattern -> *regexp.Regexp (nil when invalid)
}

func New() *Classifier {
	return &Classifier{}
}

// Filter splits events into kept and skipped. Feeds synced as yoga_only
// keep everything. Mixed calendars keep events matched by at least one
// active rule; with no active rules nothing is filtered out.
func (c *Classifier) Filter(events []model.CalendarEvent, rules []model.SyncFilterRule, approach model.SyncApproach) (kept, skipped []model.CalendarEvent) {
	if approach != model.ApproachMixedCalendar {
		return events, nil
	}
	active := activeRules(rules)
	if len(active) == 0 {
		return events, nil
	}

	kept = make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if c.MatchesAny(ev, active) {
			kept = append(kept, ev)
		} else {
			skipped = append(skipped, ev)
		}
	}
	return kept, skipped
}

// MatchesAny reports whether any active rule matches ev.
func (c *Classifier) MatchesAny(ev model.CalendarEvent, rules []model.SyncFilterRule) bool {
	for _, r := range rules {
		if r.Active && c.Matches(ev, r) {
			return true
		}
	}
	return false
}

// Matches evaluates one rule, ignoring case. An invalid regex never matches.
func (c *Classifier) Matches(ev model.CalendarEvent, rule model.SyncFilterRule) bool {
	value := fieldValue(ev, rule.PatternType)

	if rule.MatchType == model.MatchRegex {
		re := c.compile(rule.PatternValue)
		return re != nil && re.MatchString(value)
	}

	v := fold(value)
	p := fold(rule.PatternValue)
	switch rule.MatchType {
	case model.MatchContains:
		return strings.Contains(v, p)
	case model.MatchExact:
		return strings.TrimSpace(v) == strings.TrimSpace(p)
	case model.MatchStartsWith:
		return strings.HasPrefix(v, p)
	case model.MatchEndsWith:
		return strings.HasSuffix(v, p)
	default:
		return false
	}
}

func (c *Classifier) compile(pattern string) *regexp.Regexp {
	if cached, ok := c.regexps.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		appLog.Warn("invalid filter regex never matches", "pattern", pattern, "err", err)
		re = nil
	}
	c.regexps.Store(pattern, re)
	return re
}

func fieldValue(ev model.CalendarEvent, pt model.PatternType) string {
	switch pt {
	case model.PatternTitle:
		return ev.Title
	case model.PatternLocation:
		return ev.Location
	case model.PatternDescription:
		return ev.Description
	default:
		return ""
	}
}

// fold applies Unicode case folding. A Caser is stateful, so each call
// gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func activeRules(rules []model.SyncFilterRule) []model.SyncFilterRule {
	out := make([]model.SyncFilterRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}
