// Package syncerr is the error taxonomy shared by the sync engine, the
// token manager, the store and the rate calculator.
//
// Row-level errors (ParseError) are absorbed into a SyncResult. Feed-level
// errors (TransientFetchError, AuthExpiredError, PersistenceError) abort a
// sync attempt. ConfigInvalidError is raised when a rate configuration is
// written and never reaches the calculator.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInProgress is returned when another sync of the same feed holds the lock.
	ErrSyncInProgress = errors.New("sync already in progress for feed")
	// ErrFeedNotFound is returned for unknown feed ids.
	ErrFeedNotFound = errors.New("feed not found")
	// ErrNoCredentials is returned for OAuth feeds whose owner never connected the provider.
	ErrNoCredentials = errors.New("no provider credentials for feed owner")
)

// TransientFetchError is a network, timeout or upstream failure. The same
// sync can be retried later with backoff.
type TransientFetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FetchError is a non-retryable fetch failure (404, 410, malformed URL).
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AuthExpiredError means the refresh token was revoked or is invalid. The
// user must reconnect the provider; retrying cannot help.
type AuthExpiredError struct {
	Provider string
	Err      error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s authorization expired, reauthorization required: %v", e.Provider, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// ParseError describes one malformed event. Index is the position of the
// VEVENT (or provider item) in the payload; UID is set when it could be read.
type ParseError struct {
	Index int
	UID   string
	Err   error
}

func (e *ParseError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("event %d (uid %s): %v", e.Index, e.UID, e.Err)
	}
	return fmt.Sprintf("event %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigInvalidError rejects a malformed rate configuration at write time.
type ConfigInvalidError struct {
	Field  string
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	if e.Field == "" {
		return "invalid rate config: " + e.Reason
	}
	return fmt.Sprintf("invalid rate config: %s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	var transient *TransientFetchError
	return errors.As(err, &transient)
}

// NeedsReauth reports whether the user must reconnect their account.
func NeedsReauth(err error) bool {
	var auth *AuthExpiredError
	return errors.As(err, &auth)
}
