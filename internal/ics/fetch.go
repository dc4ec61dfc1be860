package ics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	appLog "calmat/internal/log"
)

// Source is a single calendar subscription: a URL, a local file, or both
// (the file is read when the URL yields nothing).
type Source struct {
	// ID is an internal identifier (e.g., config source ID).
	ID   string
	Name string
	// URL is the ICS endpoint; webcal:// is accepted when FixApple is set.
	URL  string
	File string
	// FixApple rewrites the URL scheme and the broken TZOFFSETFROM values
	// iCloud publishes.
	FixApple bool
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // decoded ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body due to 304 or an error
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrNoSource  = errors.New("source has neither URL nor file")
	ErrEmptyBody = errors.New("calendar source returned no data")
)

// FetchObserver receives the outcome of each fetch; used for metrics.
type FetchObserver func(sourceID, outcome string)

// Fetcher retrieves ICS feeds with HTTP caching (ETag / Last-Modified)
// backed by a disk cache, or reads them from files.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	observe  FetchObserver
}

// NewFetcher creates a new ICS Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. Example: "/var/lib/calmat/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		// Caller should set this explicitly; we fallback to a relative dir
		// so that development runs without root permissions.
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
}

// WithClient replaces the HTTP client.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// WithObserver registers a callback invoked once per fetch with one of
// "fresh", "not_modified", "cache_fallback", "file" or "error".
func (f *Fetcher) WithObserver(o FetchObserver) *Fetcher {
	f.observe = o
	return f
}

func (f *Fetcher) report(src Source, outcome string) {
	if f.observe != nil {
		f.observe(src.ID, outcome)
	}
}

// Fetch returns the decoded document of src. The URL is tried first; the
// file is read when there is no URL or the URL produced no data.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	var urlErr error
	if src.URL != "" {
		res, err := f.FetchOne(ctx, src)
		if err == nil && len(res.Body) > 0 {
			return res.Body, nil
		}
		urlErr = err
		if src.File == "" {
			if urlErr == nil {
				urlErr = ErrEmptyBody
			}
			return nil, urlErr
		}
	}
	if src.File == "" {
		return nil, ErrNoSource
	}
	body, err := f.ReadFile(src)
	if err != nil {
		return nil, errors.Join(urlErr, err)
	}
	return body, nil
}

// FetchAll fetches all given sources and returns individual results.
// Errors for individual sources are logged and returned in the error slice.
//
// The returned slice of results will only contain entries for sources that
// successfully produced a body (either from network, cache or file).
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)

	for _, src := range sources {
		body, err := f.Fetch(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.ID, err))
			appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, FetchResult{Source: src, Body: body})
	}

	return results, errs
}

// ReadFile reads and decodes the source's file.
func (f *Fetcher) ReadFile(src Source) ([]byte, error) {
	raw, err := os.ReadFile(src.File)
	if err != nil {
		f.report(src, "error")
		return nil, err
	}
	if len(raw) == 0 {
		f.report(src, "error")
		return nil, fmt.Errorf("%w: file %s", ErrEmptyBody, src.File)
	}
	f.report(src, "file")
	return Decode(raw, "", src.FixApple)
}

// FetchOne fetches a single ICS source, honoring ETag and Last-Modified.
// It uses a disk cache under f.cacheDir keyed by a hash of the URL.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	url := src.URL
	if src.FixApple {
		url = AppleURLFix(url)
	}

	cachePath, err := f.cachePathForURL(url)
	if err != nil {
		return FetchResult{}, err
	}

	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	fromCache := func(reason string, cause error) (FetchResult, error) {
		body, derr := Decode(cachedBody, charsetOf(meta.ContentType), src.FixApple)
		if derr != nil {
			f.report(src, "error")
			return FetchResult{}, errors.Join(cause, derr)
		}
		f.report(src, reason)
		return FetchResult{Source: src, Body: body, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}

	// Conditional headers from cache metadata.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		// Network error; if we have a cached body, fall back to it.
		if len(cachedBody) > 0 && ctx.Err() == nil {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(url))
			return fromCache("cache_fallback", err)
		}
		f.report(src, "error")
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fresh content.
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			f.report(src, "error")
			return FetchResult{}, readErr
		}
		if len(raw) == 0 {
			f.report(src, "error")
			return FetchResult{}, fmt.Errorf("%w: %s", ErrEmptyBody, redactURL(url))
		}

		contentType := resp.Header.Get("Content-Type")
		body, err := Decode(raw, charsetOf(contentType), src.FixApple)
		if err != nil {
			f.report(src, "error")
			return FetchResult{}, err
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			ContentType:  contentType,
		}

		if err := f.saveCache(cachePath, newMeta, raw); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(url))
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(url), "status", resp.StatusCode, "from_cache", false)
		f.report(src, "fresh")

		return FetchResult{
			Source:    src,
			Body:      body,
			FromCache: false,
		}, nil

	case http.StatusNotModified:
		// No change; use cached body if available.
		if len(cachedBody) == 0 {
			// 304 but no cached body: treat as error.
			f.report(src, "error")
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(url))
		return fromCache("not_modified", nil)

	default:
		// Non-OK status: if we have cached data, fall back to it.
		statusErr := fmt.Errorf("fetch %s: %s", redactURL(url), resp.Status)
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", statusErr, "id", src.ID, "url", redactURL(url), "status", resp.StatusCode)
			return fromCache("cache_fallback", statusErr)
		}
		f.report(src, "error")
		return FetchResult{}, statusErr
	}
}

// Decode turns raw bytes into UTF-8 document text: the named charset
// (UTF-8 when empty or unknown) is decoded, a byte order mark and carriage
// returns are dropped, and the Apple data fix is applied on request.
func Decode(raw []byte, charset string, fixApple bool) ([]byte, error) {
	body := raw
	if cs := strings.TrimSpace(charset); cs != "" && !strings.EqualFold(cs, "utf-8") && !strings.EqualFold(cs, "utf8") {
		enc, err := htmlindex.Get(cs)
		if err != nil {
			appLog.Debug("unknown charset, reading as utf-8", "charset", cs)
		} else {
			decoded, err := enc.NewDecoder().Bytes(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", cs, err)
			}
			body = decoded
		}
	}
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	body = bytes.ReplaceAll(body, []byte("\r"), nil)
	if fixApple {
		body = AppleDataFix(body)
	}
	return body, nil
}

// AppleDataFix repairs the TZOFFSETFROM value iCloud emits for some
// historic zones.
func AppleDataFix(body []byte) []byte {
	return bytes.ReplaceAll(body, []byte("TZOFFSETFROM:+5328"), []byte("TZOFFSETFROM:+0053"))
}

// AppleURLFix maps the webcal scheme to plain http.
func AppleURLFix(url string) string {
	if strings.HasPrefix(url, "webcal://") {
		return "http://" + strings.TrimPrefix(url, "webcal://")
	}
	return url
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	metaFile := filepath.Join(cachePath, "meta.json")

	data, err := os.ReadFile(metaFile)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	bodyFile := filepath.Join(cachePath, "body.ics")
	return os.ReadFile(bodyFile)
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	metaFile := filepath.Join(cachePath, "meta.json")
	bodyFile := filepath.Join(cachePath, "body.ics")

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(bodyFile, body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(metaFile, data, 0o600)
}

// redactURL hides paths and query strings, which often carry private
// calendar tokens, e.g. https://example.com/private.ics?token=abcd ->
// https://example.com/...(redacted).
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
