// Package client wraps the external API with session caching, retry with
// exponential backoff and an optional circuit breaker.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	gobreaker "github.com/sony/gobreaker/v2"

	"smmpulse/internal/clock"
	"smmpulse/internal/content"
	"smmpulse/internal/instagram"
	"smmpulse/internal/observability/metrics"
	"smmpulse/internal/session"
	logx "smmpulse/pkg/logx"
)

type Config struct {
	Username string
	Password string
	Retry    RetryPolicy
	Breaker  BreakerConfig
}

// Client is safe for concurrent use. Logins are serialized.
type Client struct {
	api      instagram.API
	sessions session.Store
	clk      clock.Clock
	log      logx.Logger
	cfg      Config
	cb       *gobreaker.CircuitBreaker[any]

	loginMu sync.Mutex

	mu       sync.Mutex
	loggedIn bool
	// gen counts established sessions. A caller whose call failed on an
	// older session need not log in again.
	gen     uint64
	userIDs map[string]string
}

func New(api instagram.API, sessions session.Store, clk clock.Clock, log logx.Logger, cfg Config) *Client {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Retry = cfg.Retry.withDefaults()
	log = log.With(logx.String("comp", "client"))
	return &Client{
		api:      api,
		sessions: sessions,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		cb:       newBreaker(cfg.Breaker, log),
		userIDs:  make(map[string]string),
	}
}

// Username is the configured own account.
func (c *Client) Username() string { return c.cfg.Username }

// LoggedIn reports whether a session has been established.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// Login establishes a session. A stored session is restored and validated
// first unless forceFresh is set. It reports whether a fresh credential
// exchange was performed.
func (c *Client) Login(ctx context.Context, forceFresh bool) (bool, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.loginLocked(ctx, forceFresh)
}

// relogin forces a fresh login unless another caller already replaced the
// session seen at generation seen.
func (c *Client) relogin(ctx context.Context, seen uint64) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.generation() != seen && c.LoggedIn() {
		c.log.Debug("session already renewed", logx.Uint64("seen", seen), logx.Uint64("gen", c.generation()))
		return nil
	}
	_, err := c.loginLocked(ctx, true)
	return err
}

func (c *Client) loginLocked(ctx context.Context, forceFresh bool) (bool, error) {
	if !forceFresh && c.LoggedIn() {
		return false, nil
	}
	user := c.cfg.Username

	if !forceFresh && c.sessions != nil {
		ok, err := c.restore(ctx, user)
		if err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		if ok {
			c.established()
			metrics.Logins.WithLabelValues("restored", "ok").Inc()
			c.log.Info("session restored", logx.String("user", user))
			return false, nil
		}
	}

	c.setLoggedIn(false)
	if c.sessions != nil {
		if err := c.sessions.Invalidate(ctx, user); err != nil {
			c.log.Warn("session invalidate failed", logx.String("user", user), logx.Err(err))
		}
	}

	var blob instagram.SessionBlob
	err := c.retry(ctx, "login", func(ctx context.Context) error {
		b, err := c.api.Login(ctx, user, c.cfg.Password)
		if err != nil {
			return err
		}
		blob = b
		return nil
	})
	if err != nil {
		metrics.Logins.WithLabelValues("fresh", resultLabel(err)).Inc()
		if instagram.IsCredential(err) {
			c.log.Error("login rejected", logx.String("user", user), logx.Err(err))
		}
		return false, fmt.Errorf("client: login %s: %w", user, err)
	}
	metrics.Logins.WithLabelValues("fresh", "ok").Inc()
	c.established()

	if c.sessions != nil {
		now := c.clk.Now()
		if err := c.sessions.Save(ctx, user, session.Token{Blob: blob, CreatedAt: now, UpdatedAt: now}); err != nil {
			c.log.Warn("session save failed", logx.String("user", user), logx.Err(err))
		}
	}
	c.log.Info("logged in", logx.String("user", user), logx.String("mode", "fresh"))
	return true, nil
}

// restore loads and validates a stored session.
func (c *Client) restore(ctx context.Context, user string) (bool, error) {
	tok, err := c.sessions.Load(ctx, user)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			c.log.Warn("session load failed", logx.String("user", user), logx.Err(err))
		}
		return false, nil
	}
	if err := c.api.Restore(ctx, instagram.SessionBlob(tok.Blob)); err != nil {
		c.log.Info("stored session rejected", logx.String("user", user), logx.Err(err))
		return false, nil
	}
	if err := c.call(ctx, "timeline_feed", c.api.TimelineFeed); err != nil {
		c.log.Info("stored session failed validation", logx.String("user", user), logx.Err(err))
		return false, err
	}
	return true, nil
}

func (c *Client) setLoggedIn(v bool) {
	c.mu.Lock()
	c.loggedIn = v
	c.mu.Unlock()
}

func (c *Client) established() {
	c.mu.Lock()
	c.loggedIn = true
	c.gen++
	c.mu.Unlock()
}

func (c *Client) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if c.LoggedIn() {
		return nil
	}
	_, err := c.Login(ctx, false)
	return err
}

// withSession runs fn through retry. An expired session triggers one
// forced relogin before fn is attempted again.
func (c *Client) withSession(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	seen := c.generation()
	err := c.retry(ctx, op, fn)
	if !errors.Is(err, instagram.ErrLoginRequired) {
		return err
	}
	c.log.Warn("session expired, logging in again", logx.String("op", op))
	if lerr := c.relogin(ctx, seen); lerr != nil {
		return lerr
	}
	return c.retry(ctx, op, fn)
}

// userID resolves and caches the numeric id of username. It runs inside the
// caller's retry loop.
func (c *Client) userID(ctx context.Context, username string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	c.mu.Lock()
	id, ok := c.userIDs[key]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := c.api.ResolveUserID(ctx, key)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.userIDs[key] = id
	c.mu.Unlock()
	return id, nil
}

// FetchUserInfo returns nil, nil when the account does not exist.
func (c *Client) FetchUserInfo(ctx context.Context, username string) (*content.UserInfo, error) {
	var raw instagram.RawUser
	err := c.withSession(ctx, "user_info", func(ctx context.Context) error {
		id, err := c.userID(ctx, username)
		if err != nil {
			return err
		}
		raw, err = c.api.UserInfo(ctx, id)
		if err == nil && raw.PK == "" {
			raw.PK = id
		}
		return err
	})
	if errors.Is(err, instagram.ErrNotFound) {
		c.log.Warn("user not found", logx.String("user", username))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: user info %s: %w", username, err)
	}
	if raw.Username == "" {
		raw.Username = username
	}
	return &content.UserInfo{
		ID:         raw.PK,
		Username:   raw.Username,
		FullName:   raw.FullName,
		Followers:  raw.FollowerCount,
		Following:  raw.FollowingCount,
		MediaCount: raw.MediaCount,
	}, nil
}

// FetchContentList returns the most recent items of kind for username, most
// recent first as the API orders them. Reels are filtered out of a larger
// media page because the API has no dedicated listing.
func (c *Client) FetchContentList(ctx context.Context, username string, kind content.Kind, limit int) ([]instagram.RawItem, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []instagram.RawItem
	err := c.withSession(ctx, "content_list", func(ctx context.Context) error {
		id, err := c.userID(ctx, username)
		if err != nil {
			return err
		}
		switch kind {
		case content.KindPost:
			items, err := c.api.UserMedias(ctx, id, limit)
			if err != nil {
				return err
			}
			out = out[:0]
			for _, it := range items {
				if !isClip(it) {
					out = append(out, it)
				}
			}
		case content.KindStory:
			items, err := c.api.UserStories(ctx, id)
			if err != nil {
				return err
			}
			out = items
		case content.KindReel:
			items, err := c.api.UserMedias(ctx, id, limit*3)
			if err != nil {
				return err
			}
			out = out[:0]
			for _, it := range items {
				if isClip(it) {
					out = append(out, it)
				}
			}
		default:
			return fmt.Errorf("unknown content kind %q", kind)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client: list %s of %s: %w", kind, username, err)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchContentByID returns nil, nil when the item does not exist.
func (c *Client) FetchContentByID(ctx context.Context, id string) (*instagram.RawItem, error) {
	var raw instagram.RawItem
	err := c.withSession(ctx, "media_info", func(ctx context.Context) error {
		var err error
		raw, err = c.api.MediaInfo(ctx, id)
		return err
	})
	if errors.Is(err, instagram.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: media %s: %w", id, err)
	}
	return &raw, nil
}

func isClip(it instagram.RawItem) bool {
	return strings.EqualFold(it.ProductType, "clips")
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// policy is exhausted.
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := c.cfg.Retry
	var err error
	for attempt := 0; ; attempt++ {
		err = c.call(ctx, op, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !instagram.IsRetryable(err) || attempt >= p.MaxRetries {
			break
		}
		n := attempt + 1
		delay := p.Delay(n, err)
		c.log.Warn("api call failed, retrying",
			logx.String("op", op),
			logx.Int("attempt", n),
			logx.Int("max", p.MaxRetries),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		metrics.APIRetries.WithLabelValues(op, retryReason(err)).Inc()
		metrics.APIBackoffSeconds.WithLabelValues(op).Observe(delay.Seconds())
		if serr := c.clk.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	if instagram.IsRetryable(err) {
		return fmt.Errorf("client: %s failed after %d retries: %w", op, p.MaxRetries, err)
	}
	return err
}

// call runs one attempt, through the breaker when configured.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	if c.cb == nil {
		err = fn(ctx)
	} else {
		_, err = c.cb.Execute(func() (any, error) { return nil, fn(ctx) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
	}
	metrics.APICalls.WithLabelValues(op, resultLabel(err)).Inc()
	return err
}
