package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SyncApproach decides whether a feed is imported wholesale or filtered.
type SyncApproach string

const (
	ApproachYogaOnly      SyncApproach = "yoga_only"
	ApproachMixedCalendar SyncApproach = "mixed_calendar"
)

// Valid reports whether a is a known approach.
func (a SyncApproach) Valid() bool {
	return a == ApproachYogaOnly || a == ApproachMixedCalendar
}

// Provider names an OAuth-backed calendar provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
)

// SourceKind identifies the raw payload format handed to the feed parser.
type SourceKind string

const (
	SourceICS    SourceKind = "ics"
	SourceGoogle SourceKind = "google"
)

// CalendarFeed is a sync source owned by exactly one user. It is either
// URL-based (ICS) or provider-based (OAuth), never both.
type CalendarFeed struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	// URL is set for ICS feeds.
	URL string `json:"url,omitempty"`

	// Provider / ProviderCalendarID are set for OAuth feeds.
	Provider           Provider `json:"provider,omitempty"`
	ProviderCalendarID string   `json:"provider_calendar_id,omitempty"`

	SyncApproach SyncApproach `json:"sync_approach"`
	LastSyncedAt *time.Time   `json:"last_synced_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// FilteringEnabled is derived: only mixed calendars are classified.
func (f CalendarFeed) FilteringEnabled() bool {
	return f.SyncApproach == ApproachMixedCalendar
}

// IsOAuth reports whether the feed is provider-backed.
func (f CalendarFeed) IsOAuth() bool {
	return f.Provider != ""
}

// Kind returns the payload format this feed produces.
func (f CalendarFeed) Kind() SourceKind {
	if f.IsOAuth() {
		return SourceKind(f.Provider)
	}
	return SourceICS
}

// Validate enforces the URL XOR provider invariant.
func (f CalendarFeed) Validate() error {
	hasURL := strings.TrimSpace(f.URL) != ""
	hasProvider := f.Provider != "" || f.ProviderCalendarID != ""
	switch {
	case hasURL && hasProvider:
		return errors.New("feed cannot be both URL-based and provider-based")
	case !hasURL && !hasProvider:
		return errors.New("feed needs either a URL or a provider calendar")
	case hasProvider && (f.Provider == "" || f.ProviderCalendarID == ""):
		return errors.New("provider feeds need both provider and provider_calendar_id")
	case hasProvider && f.Provider != ProviderGoogle:
		return errors.New("unsupported provider: " + string(f.Provider))
	}
	if f.UserID == "" {
		return errors.New("feed needs an owner")
	}
	if !f.SyncApproach.Valid() {
		return errors.New("unknown sync approach: " + string(f.SyncApproach))
	}
	return nil
}

// CalendarEvent is the normalized event record mirrored from a feed.
type CalendarEvent struct {
	ID     int64  `json:"id"`
	FeedID string `json:"feed_id"`

	// ExternalUID is the reconciliation key. For recurring events it is
	// BaseUID + "_" + occurrence start (UTC).
	ExternalUID string `json:"external_uid"`
	BaseUID     string `json:"base_uid"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`

	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"timezone"`
	AllDay   bool      `json:"all_day"`

	// Recurring marks an occurrence produced by recurrence expansion.
	Recurring bool `json:"recurring"`

	// BillingEntityID is a weak reference attached by matching logic.
	BillingEntityID *string `json:"billing_entity_id,omitempty"`
	StudioStudents  int     `json:"studio_students"`
	OnlineStudents  int     `json:"online_students"`
	PayoutCents     *int64  `json:"payout_cents,omitempty"`

	ContentHash string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InstanceUID derives the per-occurrence UID of a recurring event.
func InstanceUID(baseUID string, occurrenceStart time.Time) string {
	return baseUID + "_" + occurrenceStart.UTC().Format("20060102T150405Z")
}

// Hash returns a digest of the fields owned by the source. Attendance,
// billing references and payouts are local and never part of it.
func (e CalendarEvent) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		e.ExternalUID,
		e.BaseUID,
		e.Title,
		e.Description,
		e.Location,
		e.Start.UTC().Format(time.RFC3339),
		e.End.UTC().Format(time.RFC3339),
		e.TimeZone,
		strconv.FormatBool(e.AllDay),
		strconv.FormatBool(e.Recurring),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PatternType selects which event field a rule inspects.
type PatternType string

const (
	PatternTitle       PatternType = "title"
	PatternLocation    PatternType = "location"
	PatternDescription PatternType = "description"
)

// MatchType selects how a rule compares its pattern.
type MatchType string

const (
	MatchContains   MatchType = "contains"
	MatchExact      MatchType = "exact"
	MatchStartsWith MatchType = "starts_with"
	MatchEndsWith   MatchType = "ends_with"
	MatchRegex      MatchType = "regex"
)

// SyncFilterRule belongs to one (user, feed) pair.
type SyncFilterRule struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	FeedID       string      `json:"feed_id"`
	PatternType  PatternType `json:"pattern_type"`
	PatternValue string      `json:"pattern_value"`
	MatchType    MatchType   `json:"match_type"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate checks the enum fields. Regex syntax is deliberately not
// checked here: a bad pattern only ever fails to match.
func (r SyncFilterRule) Validate() error {
	switch r.PatternType {
	case PatternTitle, PatternLocation, PatternDescription:
	default:
		return errors.New("unknown pattern_type: " + string(r.PatternType))
	}
	switch r.MatchType {
	case MatchContains, MatchExact, MatchStartsWith, MatchEndsWith, MatchRegex:
	default:
		return errors.New("unknown match_type: " + string(r.MatchType))
	}
	if r.PatternValue == "" {
		return errors.New("pattern_value is empty")
	}
	return nil
}

// Credentials are the OAuth tokens granted by a provider for a user.
type Credentials struct {
	UserID       string    `json:"user_id"`
	Provider     Provider  `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
}

// Window is the time range a sync covers, by event start. A zero Start
// means unbounded in the past.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return t.Before(w.End)
}

// BillingEntity is a studio or client that pays for classes. Its rate
// configuration history lives with the rate calculator.
type BillingEntity struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
