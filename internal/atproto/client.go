package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// APIError is a classified XRPC failure. The backfill engine branches on the
// classification; everything else treats it as an opaque error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("xrpc %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("xrpc %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) SubjectGone() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusNotFound
}

func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RKey returns the record key segment of the record's at:// URI.
func (r Record) RKey() string {
	uri := strings.TrimSpace(r.URI)
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return ""
}

type RecordPage struct {
	Records []Record `json:"records"`
	Cursor  string   `json:"cursor"`
}

type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

type ClientOptions struct {
	Host       string // PDS / appview base URL
	Identifier string // service account DID or handle
	Password   string // app password
	ProxyDID   string // labeler DID for the atproto-proxy header on emitEvent
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client speaks XRPC over HTTP. Network errors and 5xx responses are retried
// with capped exponential backoff; 4xx responses (including 429) surface as
// *APIError so callers can run their own policy.
type Client struct {
	host       string
	identifier string
	password   string
	proxyDID   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu        sync.Mutex
	accessJwt string
}

func NewClient(opts ClientOptions) *Client {
	host := strings.TrimRight(strings.TrimSpace(opts.Host), "/")
	if host == "" {
		host = "https://bsky.social"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		host:       host,
		identifier: strings.TrimSpace(opts.Identifier),
		password:   opts.Password,
		proxyDID:   strings.TrimSpace(opts.ProxyDID),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Client) ListRecords(ctx context.Context, repo, collection string, limit int, cursor string) (RecordPage, error) {
	q := url.Values{}
	q.Set("repo", repo)
	q.Set("collection", collection)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", cursor)
	}
	var out RecordPage
	err := c.doJSON(ctx, http.MethodGet, "/xrpc/com.atproto.repo.listRecords?"+q.Encode(), nil, nil, &out, false)
	return out, err
}

func (c *Client) GetProfile(ctx context.Context, actor string) (Profile, error) {
	q := url.Values{}
	q.Set("actor", actor)
	var out Profile
	err := c.doJSON(ctx, http.MethodGet, "/xrpc/app.bsky.actor.getProfile?"+q.Encode(), nil, nil, &out, true)
	return out, err
}

func (c *Client) CreateRecord(ctx context.Context, repo, collection string, record any) error {
	body := map[string]any{
		"repo":       repo,
		"collection": collection,
		"record":     record,
	}
	return c.doJSON(ctx, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", nil, body, nil, true)
}

// EmitLabelEvent applies and/or negates label values on a subject repo via
// the moderation endpoint, proxied to the labeler service.
func (c *Client) EmitLabelEvent(ctx context.Context, subjectDID string, createVals, negateVals []string) error {
	if createVals == nil {
		createVals = []string{}
	}
	if negateVals == nil {
		negateVals = []string{}
	}
	body := map[string]any{
		"event": map[string]any{
			"$type":           "tools.ozone.moderation.defs#modEventLabel",
			"createLabelVals": createVals,
			"negateLabelVals": negateVals,
		},
		"subject": map[string]any{
			"$type": "com.atproto.admin.defs#repoRef",
			"did":   subjectDID,
		},
		"createdBy": c.identifier,
	}
	headers := map[string]string{}
	if c.proxyDID != "" {
		headers["atproto-proxy"] = c.proxyDID + "#atproto_labeler"
	}
	return c.doJSON(ctx, http.MethodPost, "/xrpc/tools.ozone.moderation.emitEvent", headers, body, nil, true)
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.identifier == "" || c.password == "" {
		return ErrNotAuthenticated
	}
	body := map[string]string{
		"identifier": c.identifier,
		"password":   c.password,
	}
	var out struct {
		AccessJwt string `json:"accessJwt"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/xrpc/com.atproto.server.createSession", nil, body, &out, false); err != nil {
		return err
	}
	if strings.TrimSpace(out.AccessJwt) == "" {
		return ErrNotAuthenticated
	}
	c.mu.Lock()
	c.accessJwt = out.AccessJwt
	c.mu.Unlock()
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessJwt
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.accessJwt = ""
	c.mu.Unlock()
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body, out any, authed bool) error {
	if c == nil {
		return fmt.Errorf("atproto client is nil")
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	reauthed := false
	for attempt := 0; ; attempt++ {
		if authed && c.token() == "" {
			if err := c.authenticate(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.host+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.token())
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if authed && resp.StatusCode == http.StatusUnauthorized && !reauthed {
			reauthed = true
			c.dropToken()
			continue
		}

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := strings.TrimSpace(errPayload.Message)
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Message:    message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
