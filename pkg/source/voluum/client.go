// Package voluum reads live visits, clicks and conversions from the Voluum
// reporting API.
package voluum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/source"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultBaseURL  = "https://api.voluum.com"
	DefaultPageSize = 1000
	DefaultTimeout  = 60 * time.Second

	// Sessions last four hours; refresh half an hour early.
	DefaultTokenTTL = 3*time.Hour + 30*time.Minute
)

var endpoints = map[traffic.SourceType]string{
	traffic.Visits:      "/report/live/visits",
	traffic.Clicks:      "/report/live/clicks",
	traffic.Conversions: "/report/conversions",
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	AccessID  string
	AccessKey string

	// CampaignFilter keeps only rows whose campaign name contains it (optional).
	CampaignFilter string

	PageSize int
	Timeout  time.Duration
	TokenTTL time.Duration

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client
}

// Client implements source.Source against the Voluum API.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ source.Source = (*Client)(nil)

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessID == "" || cfg.AccessKey == "" {
		return nil, errs.Config("voluum client", "access id and access key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc, now: time.Now}, nil
}

// Fetch returns one page of events strictly after req.After.
func (c *Client) Fetch(ctx context.Context, req source.Request) (source.Page, error) {
	endpoint, ok := endpoints[req.Source]
	if !ok {
		return source.Page{}, errs.Config("voluum fetch", "unsupported source %q", req.Source)
	}

	offset := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil || n < 0 {
			return source.Page{}, errs.Config("voluum fetch", "invalid page token %q", req.PageToken)
		}
		offset = n
	}

	until := req.Until
	if until.IsZero() {
		until = c.now()
	}
	params := url.Values{}
	params.Set("from", req.After.Timestamp.UTC().Truncate(time.Hour).Format("2006-01-02T15:04:05Z"))
	params.Set("to", until.UTC().Truncate(time.Hour).Add(time.Hour).Format("2006-01-02T15:04:05Z"))
	params.Set("tz", "UTC")
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("offset", strconv.Itoa(offset))

	var report struct {
		Rows      []json.RawMessage `json:"rows"`
		TotalRows int               `json:"totalRows"`
	}
	if err := c.get(ctx, endpoint, params, &report); err != nil {
		return source.Page{}, err
	}

	page := source.Page{}
	for _, raw := range report.Rows {
		e, err := decodeRow(req.Source, raw)
		if err != nil {
			return source.Page{}, errs.Fetch("decode "+string(req.Source)+" row", err)
		}
		if c.cfg.CampaignFilter != "" && !strings.Contains(e.CampaignName, c.cfg.CampaignFilter) {
			continue
		}
		if !e.OccurredAt.IsZero() && !req.After.Admits(e.OccurredAt, e.Key()) {
			continue
		}
		page.Events = append(page.Events, e)
	}
	sort.SliceStable(page.Events, func(i, j int) bool {
		return traffic.Before(page.Events[i], page.Events[j])
	})

	consumed := offset + len(report.Rows)
	more := len(report.Rows) >= c.cfg.PageSize
	if report.TotalRows > 0 {
		more = consumed < report.TotalRows
	}
	if more && len(report.Rows) > 0 {
		page.Next = strconv.Itoa(consumed)
	}
	return page, nil
}

// get performs an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return errs.Fetch("build request", err)
	}
	req.Header.Set("cwauth-token", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Fetch("GET "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidate()
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Fetch("GET "+path, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Fetch("GET "+path, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

// ensureToken returns a cached session token or opens a new session.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"accessId":  c.cfg.AccessID,
		"accessKey": c.cfg.AccessKey,
	})
	if err != nil {
		return "", errs.Fetch("auth", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/access/session", bytes.NewReader(body))
	if err != nil {
		return "", errs.Fetch("auth", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Fetch("auth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", errs.Fetch("auth", fmt.Errorf("status %d", resp.StatusCode))
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil || session.Token == "" {
		return "", errs.Fetch("auth", fmt.Errorf("no token in session response: %v", err))
	}

	c.token = session.Token
	c.expires = c.now().Add(c.cfg.TokenTTL)
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
