// Package gcal fetches events from Google Calendar and normalizes the
// provider's JSON into calendar events.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

const pageSize = 2500

// Config configures a Client.
type Config struct {
	// Endpoint overrides the API base URL (tests).
	Endpoint string
	Timeout  time.Duration
	// HTTPClient is the base transport; the bearer token is layered on top.
	HTTPClient *http.Client
}

// Client lists events of a provider calendar.
type Client struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{endpoint: cfg.Endpoint, timeout: cfg.Timeout, httpClient: cfg.HTTPClient}
}

// FetchEvents lists every event of calendarID starting inside w with
// recurrences expanded by the provider, and returns the accumulated list
// as a JSON payload for Parse.
func (c *Client) FetchEvents(ctx context.Context, accessToken, calendarID string, w model.Window) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(authed)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, &syncerr.FetchError{Op: "google calendar client", Err: err}
	}

	call := svc.Events.List(calendarID).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(pageSize).
		TimeMax(w.End.UTC().Format(time.RFC3339))
	if !w.Start.IsZero() {
		call = call.TimeMin(w.Start.UTC().Format(time.RFC3339))
	}

	var items []*calendar.Event
	err = call.Pages(ctx, func(page *calendar.Events) error {
		items = append(items, page.Items...)
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err)
	}

	appLog.Debug("google events listed", "calendar", calendarID, "count", len(items))
	return json.Marshal(&calendar.Events{Kind: "calendar#events", Items: items})
}

// mapAPIError maps an API error onto the sync error taxonomy.
func mapAPIError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return &syncerr.AuthExpiredError{Provider: string(model.ProviderGoogle), Err: err}
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return &syncerr.TransientFetchError{Op: "list google events", Status: apiErr.Code, Err: err}
		default:
			return &syncerr.FetchError{Op: "list google events", Status: apiErr.Code, Err: err}
		}
	}
	return &syncerr.TransientFetchError{Op: "list google events", Err: err}
}
