package model

import "time"

// SyncMode selects the window a sync covers.
type SyncMode string

const (
	// ModeDefault syncs only the near-term window around now.
	ModeDefault SyncMode = "default"
	// ModeHistorical syncs the full horizon, including backfill.
	ModeHistorical SyncMode = "historical"
)

// Valid reports whether m is a known mode.
func (m SyncMode) Valid() bool {
	return m == ModeDefault || m == ModeHistorical
}

// SyncState is a step of the per-feed reconciliation state machine.
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateFetching    SyncState = "fetching"
	StateParsing     SyncState = "parsing"
	StateClassifying SyncState = "classifying"
	StateDiffing     SyncState = "diffing"
	StatePersisting  SyncState = "persisting"
	StateErrored     SyncState = "errored"
)

// ItemError is a row-level problem absorbed into a SyncResult.
type ItemError struct {
	UID     string `json:"uid,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// SyncResult reports one sync invocation. It is never persisted as-is;
// the run log keeps only its counts.
type SyncResult struct {
	RunID     string   `json:"run_id"`
	FeedID    string   `json:"feed_id"`
	Mode      SyncMode `json:"mode"`
	Window    Window   `json:"window"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Skipped   int      `json:"skipped"`
	Unchanged int      `json:"unchanged"`
	Failed    int      `json:"failed"`

	Errors []ItemError `json:"errors"`

	FromCache  bool      `json:"from_cache"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Writes is the number of rows the sync changed.
func (r SyncResult) Writes() int {
	return r.Created + r.Updated + r.Deleted
}

// SyncRun is the persisted log entry of a sync attempt.
type SyncRun struct {
	ID         string     `json:"id"`
	FeedID     string     `json:"feed_id"`
	Mode       SyncMode   `json:"mode"`
	Status     string     `json:"status"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)
