package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "studiosync/internal/log"
	"studiosync/internal/syncerr"
)

const maxBodyBytes = 32 << 20

var errTooManyRedirects = errors.New("too many redirects")

// FetchResult is the outcome of fetching one feed URL.
type FetchResult struct {
	Body      []byte
	FromCache bool // true when the server answered 304 and the cached body was reused
}

// cacheEntry holds HTTP validators for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
	// CacheDir enables conditional GET with a disk cache when set.
	CacheDir string
	// Client replaces the default HTTP client (tests).
	Client *http.Client
}

// Fetcher downloads ICS feeds with ETag / Last-Modified revalidation.
type Fetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "studiosync/1.0"
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = cfg.Timeout
	maxRedirects := cfg.MaxRedirects
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w (%d)", errTooManyRedirects, maxRedirects)
		}
		return nil
	}

	return &Fetcher{client: &c, cacheDir: cfg.CacheDir, userAgent: cfg.UserAgent}
}

// NormalizeURL maps webcal:// to https:// and rejects non-HTTP schemes.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "webcal", "webcals":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("URL has no host")
	}
	return u.String(), nil
}

// Fetch downloads the feed at rawURL. Network failures, timeouts, 5xx and
// 429 are TransientFetchError; other non-2xx answers are FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return FetchResult{}, &syncerr.FetchError{Op: "fetch ics", Err: err}
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(target)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir unavailable", err, "url", redactURL(target))
			cachePath = ""
		} else {
			meta, _ = f.loadCacheMeta(cachePath)
			cachedBody, _ = f.loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, &syncerr.FetchError{Op: "fetch ics", Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redactURL(target))

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, errTooManyRedirects) {
			return FetchResult{}, &syncerr.FetchError{Op: "fetch ics", Err: err}
		}
		return FetchResult{}, &syncerr.TransientFetchError{Op: "fetch ics", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, &syncerr.TransientFetchError{
				Op: "fetch ics", Status: resp.StatusCode, Err: errors.New("not modified but no cached body"),
			}
		}
		appLog.Debug("ics fetch not modified; using cache", "url", redactURL(target))
		return FetchResult{Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return FetchResult{}, &syncerr.TransientFetchError{Op: "read ics body", Status: resp.StatusCode, Err: err}
		}
		if len(body) > maxBodyBytes {
			return FetchResult{}, &syncerr.FetchError{Op: "read ics body", Status: resp.StatusCode, Err: errors.New("body exceeds size limit")}
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          target,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "url", redactURL(target))
			}
		}
		appLog.Debug("ics fetch success", "url", redactURL(target), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Body: body}, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return FetchResult{}, &syncerr.TransientFetchError{Op: "fetch ics", Status: resp.StatusCode, Err: errors.New(resp.Status)}

	default:
		return FetchResult{}, &syncerr.FetchError{Op: "fetch ics", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; private feed URLs carry secrets
// in their path or query.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
