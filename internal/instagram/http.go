package instagram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the gateway client.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string

	// RatePerSec paces outgoing requests. 0 disables pacing.
	RatePerSec float64
	Burst      int
}

const sessionHeader = "X-IG-Session"

// HTTPClient implements API against a JSON gateway.
type HTTPClient struct {
	base    *url.URL
	ua      string
	http    *http.Client
	limiter *rate.Limiter

	mu      sync.RWMutex
	session SessionBlob
}

var _ API = (*HTTPClient)(nil)

func NewHTTP(cfg HTTPConfig, hc *http.Client) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("instagram: base_url is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("instagram: invalid base_url %q: %w", raw, err)
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &HTTPClient{base: u, ua: cfg.UserAgent, http: hc}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Session json.RawMessage `json:"session"`
}

func (c *HTTPClient) Login(ctx context.Context, username, password string) (SessionBlob, error) {
	var out loginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", nil, loginRequest{Username: username, Password: password}, &out); err != nil {
		return nil, err
	}
	if len(out.Session) == 0 || string(out.Session) == "null" {
		return nil, &TransientError{Op: "login", Err: errors.New("empty session in response")}
	}
	blob := SessionBlob(append([]byte(nil), out.Session...))
	c.setSession(blob)
	return blob, nil
}

func (c *HTTPClient) Restore(_ context.Context, blob SessionBlob) error {
	if len(bytes.TrimSpace(blob)) == 0 {
		return ErrLoginRequired
	}
	if !json.Valid(blob) {
		return fmt.Errorf("instagram: restore: session is not valid json")
	}
	c.setSession(blob)
	return nil
}

func (c *HTTPClient) TimelineFeed(ctx context.Context) error {
	return c.do(ctx, "timeline_feed", http.MethodGet, "/feed/timeline", nil, nil, nil)
}

func (c *HTTPClient) ResolveUserID(ctx context.Context, username string) (string, error) {
	var out struct {
		PK string `json:"pk"`
	}
	if err := c.do(ctx, "user_id", http.MethodGet, "/users/"+url.PathEscape(username)+"/id", nil, nil, &out); err != nil {
		return "", err
	}
	if out.PK == "" {
		return "", ErrNotFound
	}
	return out.PK, nil
}

func (c *HTTPClient) UserInfo(ctx context.Context, userID string) (RawUser, error) {
	var out RawUser
	err := c.do(ctx, "user_info", http.MethodGet, "/users/"+url.PathEscape(userID)+"/info", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) UserMedias(ctx context.Context, userID string, amount int) ([]RawItem, error) {
	q := url.Values{}
	q.Set("amount", strconv.Itoa(amount))
	return c.list(ctx, "user_medias", "/users/"+url.PathEscape(userID)+"/medias", q)
}

func (c *HTTPClient) UserStories(ctx context.Context, userID string) ([]RawItem, error) {
	out, err := c.list(ctx, "user_stories", "/users/"+url.PathEscape(userID)+"/stories", nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Story = true
	}
	return out, nil
}

// list fetches a JSON array of items. Elements are decoded one by one; see
// decodeItems.
func (c *HTTPClient) list(ctx context.Context, op, path string, q url.Values) ([]RawItem, error) {
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, path, q, nil, &raw); err != nil {
		return nil, err
	}
	out, err := decodeItems(raw)
	if err != nil {
		return nil, fmt.Errorf("instagram: %s: decode response: %w", op, err)
	}
	return out, nil
}

func (c *HTTPClient) MediaInfo(ctx context.Context, mediaID string) (RawItem, error) {
	var out RawItem
	err := c.do(ctx, "media_info", http.MethodGet, "/media/"+url.PathEscape(mediaID), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) setSession(blob SessionBlob) {
	c.mu.Lock()
	c.session = blob
	c.mu.Unlock()
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("instagram: %s: encode request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("instagram: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	c.mu.RLock()
	if len(c.session) > 0 {
		req.Header.Set(sessionHeader, base64.StdEncoding.EncodeToString(c.session))
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("instagram: %s: decode response: %w", op, err)
		}
		return nil
	}
	return classifyResponse(op, resp.StatusCode, resp.Header, data, time.Now())
}

// classifyResponse maps a non-2xx gateway response onto the error signals.
func classifyResponse(op string, status int, h http.Header, data []byte, now time.Time) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	code := strings.ToLower(strings.TrimSpace(eb.Error))

	switch code {
	case "challenge_required", "checkpoint_required":
		return ErrChallenge
	case "two_factor_required":
		return ErrTwoFactor
	case "bad_password", "bad_credentials", "invalid_user":
		return ErrBadCredentials
	case "login_required":
		return ErrLoginRequired
	case "please_wait", "feedback_required", "rate_limited":
		return &RateLimitError{RetryAfter: parseRetryAfter(h.Get("Retry-After"), now)}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(h.Get("Retry-After"), now)}
	case status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized:
		return ErrLoginRequired
	}
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	return fmt.Errorf("instagram: %s: status %d: %s", op, status, msg)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
