// Package token keeps provider access tokens fresh.
package token

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

// Config configures a Manager for one provider.
type Config struct {
	Provider     model.Provider
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// RefreshMargin refreshes tokens expiring within this duration.
	RefreshMargin time.Duration
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// RefreshedFunc persists a refreshed credential set. It runs only after a
// successful refresh.
type RefreshedFunc func(ctx context.Context, creds model.Credentials) error

// Manager refreshes OAuth credentials shortly before they expire.
type Manager struct {
	provider model.Provider
	oauth    *oauth2.Config
	margin   time.Duration
	timeout  time.Duration
	client   *http.Client
	now      func() time.Time

	inflight singleflight.Group
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Provider == "" {
		cfg.Provider = model.ProviderGoogle
	}
	return &Manager{
		provider: cfg.Provider,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		margin:  cfg.RefreshMargin,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		now:     time.Now,
	}
}

// NeedsRefresh reports whether creds expire within the refresh margin.
// A zero expiry is treated as non-expiring.
func (m *Manager) NeedsRefresh(creds model.Credentials) bool {
	if creds.AccessToken == "" {
		return true
	}
	if creds.Expiry.IsZero() {
		return false
	}
	return !m.now().Add(m.margin).Before(creds.Expiry)
}

// EnsureValidToken returns creds unchanged while they are fresh. Otherwise
// it refreshes them, hands the result to onRefreshed and returns it.
// Concurrent refreshes for the same user share one provider round trip.
//
// A revoked or invalid refresh token yields *syncerr.AuthExpiredError;
// network and provider failures yield *syncerr.TransientFetchError.
func (m *Manager) EnsureValidToken(ctx context.Context, creds model.Credentials, onRefreshed RefreshedFunc) (model.Credentials, error) {
	if !m.NeedsRefresh(creds) {
		return creds, nil
	}
	if creds.RefreshToken == "" {
		return model.Credentials{}, &syncerr.AuthExpiredError{Provider: string(m.provider), Err: errors.New("no refresh token stored")}
	}

	// The shared refresh outlives any single caller; each caller waits only
	// as long as its own ctx allows.
	key := string(m.provider) + ":" + creds.UserID
	ch := m.inflight.DoChan(key, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), creds, onRefreshed)
	})
	select {
	case <-ctx.Done():
		return model.Credentials{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return model.Credentials{}, r.Err
		}
		if r.Shared {
			appLog.Debug("token refresh shared", "user_id", creds.UserID, "provider", m.provider)
		}
		return r.Val.(model.Credentials), nil
	}
}

func (m *Manager) refresh(ctx context.Context, creds model.Credentials, onRefreshed RefreshedFunc) (model.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return model.Credentials{}, m.mapRefreshError(err)
	}

	next := creds
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		next.Scopes = strings.Fields(scope)
	}

	if onRefreshed != nil {
		if err := onRefreshed(ctx, next); err != nil {
			return model.Credentials{}, &syncerr.PersistenceError{Op: "store refreshed credentials", Err: err}
		}
	}

	appLog.Info("token refreshed", "user_id", creds.UserID, "provider", m.provider, "expiry", next.Expiry)
	return next, nil
}

func (m *Manager) mapRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			status == http.StatusBadRequest || status == http.StatusUnauthorized {
			appLog.Warn("refresh token rejected", "provider", m.provider, "error_code", re.ErrorCode, "status", status)
			return &syncerr.AuthExpiredError{Provider: string(m.provider), Err: err}
		}
		return &syncerr.TransientFetchError{Op: "refresh token", Status: status, Err: err}
	}
	return &syncerr.TransientFetchError{Op: "refresh token", Err: err}
}
