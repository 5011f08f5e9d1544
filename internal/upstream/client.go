package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"mangapipe/pkg/models"
)

// Fetcher fetches one page of one resource. Satisfied by *Client; the
// paginator and pipeline only depend on this.
type Fetcher interface {
	Fetch(ctx context.Context, resource models.ResourceType, cursor string) (*models.RawPage, error)
}

// Default page sizes per resource, matching the upstream's documented
// maximums (chapters paginate in much larger pages than the rest).
func defaultLimit(resource models.ResourceType) int {
	if resource == models.ResourceChapter {
		return 500
	}
	return 100
}

// Config for the rate-limited upstream client.
type Config struct {
	BaseURL string
	// Limiter is the single coordinating limiter shared by every
	// pipeline hitting this upstream. Required.
	Limiter *rate.Limiter
	HTTP    *http.Client

	MaxAttempts int           // retry budget for 429/5xx
	BackoffBase time.Duration // first retry delay
	BackoffMax  time.Duration // delay cap

	PageLimit    int       // 0 = per-resource default
	CreatedSince time.Time // optional incremental window
	UserAgent    string
}

// Client wraps outbound calls to the catalog API. All pipelines share
// one instance so the token bucket reflects the true upstream quota.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 12 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Second
	}
	return &Client{cfg: cfg}
}

// Fetch retrieves one page for the given resource starting at cursor.
// The cursor is the page offset carried as a string; "" means offset 0.
// It suspends on the shared limiter before every attempt and retries
// 429/5xx with capped exponential backoff and jitter.
func (c *Client) Fetch(ctx context.Context, resource models.ResourceType, cursor string) (*models.RawPage, error) {
	if !resource.Valid() {
		return nil, &RequestError{Status: 0, Body: "unknown resource type " + string(resource)}
	}

	offset, err := ParseCursor(cursor)
	if err != nil {
		return nil, err
	}

	u, err := c.buildURL(resource, offset)
	if err != nil {
		return nil, err
	}

	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, err := c.do(ctx, u)
		if err != nil {
			// network-level failure: retryable
			lastErr = err
			lastStatus = 0
		} else {
			lastStatus = status
			lastErr = nil

			switch {
			case status == http.StatusOK:
				return c.parsePage(resource, offset, body)
			case status == http.StatusTooManyRequests || status >= 500:
				// fall through to backoff
			default:
				return nil, &RequestError{Status: status, Body: truncate(string(body), 256)}
			}
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		log.Printf("[upstream] %s page at offset %d failed (status=%d err=%v), retrying in %s (attempt %d/%d)",
			resource, offset, lastStatus, lastErr, delay, attempt, c.cfg.MaxAttempts)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if lastStatus == http.StatusTooManyRequests {
		return nil, &RateLimitError{Attempts: c.cfg.MaxAttempts}
	}
	return nil, &UnavailableError{Attempts: c.cfg.MaxAttempts, LastStatus: lastStatus, Cause: lastErr}
}

func (c *Client) do(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) buildURL(resource models.ResourceType, offset int) (string, error) {
	path := map[models.ResourceType]string{
		models.ResourceManga:   "/manga",
		models.ResourceChapter: "/chapter",
		models.ResourceAuthor:  "/author",
		models.ResourceTag:     "/manga/tag",
	}[resource]

	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	q := u.Query()

	// The tag list endpoint is small and unpaginated.
	if resource != models.ResourceTag {
		limit := c.cfg.PageLimit
		if limit <= 0 {
			limit = defaultLimit(resource)
		}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("order[createdAt]", "asc")
		if !c.cfg.CreatedSince.IsZero() {
			q.Set("createdAtSince", c.cfg.CreatedSince.UTC().Format("2006-01-02T15:04:05"))
		}
	}

	if resource == models.ResourceManga {
		// embed creator + cover data so the normalizer can resolve them
		// without extra requests
		q.Add("includes[]", "author")
		q.Add("includes[]", "artist")
		q.Add("includes[]", "cover_art")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parsePage validates the envelope and splits it into raw records.
// Anything structurally off fails the whole page as malformed.
func (c *Client) parsePage(resource models.ResourceType, offset int, body []byte) (*models.RawPage, error) {
	var env struct {
		Result string            `json:"result"`
		Data   []json.RawMessage `json:"data"`
		Limit  int               `json:"limit"`
		Offset int               `json:"offset"`
		Total  int               `json:"total"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedResponseError{Reason: "decode envelope", Cause: err}
	}
	if env.Result != "" && env.Result != "ok" {
		return nil, &MalformedResponseError{Reason: "result=" + env.Result}
	}

	page := &models.RawPage{
		Resource: resource,
		Records:  make([]models.RawRecord, 0, len(env.Data)),
		Limit:    env.Limit,
		Offset:   offset,
		Total:    env.Total,
	}

	for i, item := range env.Data {
		var head struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("decode item %d", i), Cause: err}
		}
		if head.ID == "" {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("item %d has no id", i)}
		}
		page.Records = append(page.Records, models.RawRecord{
			Resource: resource,
			ID:       head.ID,
			Payload:  item,
		})
	}

	return page, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	// up to 25% jitter so concurrent pipelines don't retry in lockstep
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// ParseCursor decodes an offset cursor. "" is the beginning.
func ParseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, &RequestError{Status: 0, Body: "invalid cursor " + strconv.Quote(cursor)}
	}
	return n, nil
}

// FormatCursor encodes an offset as a cursor string.
func FormatCursor(offset int) string { return strconv.Itoa(offset) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
