// Package platform is the outbound HTTP client for the remote platform:
// browser-shaped headers, per-request transaction tokens, and the
// notification timeline endpoints the poller consumes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"xnotifyd/internal/txid"
	logx "xnotifyd/pkg/logx"
)

// The bearer token is the public web-app credential every browser session
// ships; real auth lives in the per-target cookie pair.
const (
	bearerToken = "Bearer AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"
	userAgent   = "Mozilla/5.0 (Linux; Android 10; K) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Mobile Safari/537.3"

	txidHeader = "x-client-transaction-id"
)

// TokenSource issues transaction tokens. *txid.Generator satisfies it.
type TokenSource interface {
	Derive(ctx context.Context, method, path string) (string, error)
	Refresh(ctx context.Context) error
	InvalidateAndRefresh(ctx context.Context) error
}

// Auth is one target's session credentials.
type Auth struct {
	AuthToken string
	CSRFToken string
}

// Config configures the client.
type Config struct {
	// BaseURL is the platform origin. Defaults to "https://x.com".
	BaseURL string
	// RatePerSec is the outbound request budget shared by all poll
	// workers. Defaults to 5.
	RatePerSec float64
	// Timeout bounds a single request. Defaults to 30s.
	Timeout time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, tokens TokenSource, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://x.com"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		log:     log,
	}
}

// get performs an authenticated API request. The transaction token is derived
// per request; a stale cached key gets exactly one refresh-and-retry before
// the failure surfaces.
func (c *Client) get(ctx context.Context, auth Auth, path, rawQuery string) ([]byte, error) {
	token, err := c.deriveToken(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, auth)
	req.Header.Set(txidHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("platform: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfterHint: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		// The platform signals a rejected transaction token this way;
		// rebuild the key material so the next poll gets a fresh one.
		if rerr := c.tokens.InvalidateAndRefresh(ctx); rerr != nil {
			c.log.Warn("token re-key after rejection failed", logx.Err(rerr))
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) deriveToken(ctx context.Context, method, path string) (string, error) {
	token, err := c.tokens.Derive(ctx, method, path)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, txid.ErrStaleKey) && !errors.Is(err, txid.ErrNotInitialized) {
		return "", err
	}
	if err := c.tokens.Refresh(ctx); err != nil {
		return "", fmt.Errorf("platform: token refresh: %w", err)
	}
	return c.tokens.Derive(ctx, method, path)
}

func (c *Client) setHeaders(req *http.Request, auth Auth) {
	h := req.Header
	h.Set("accept", "*/*")
	h.Set("accept-language", "en-US,en;q=0.9")
	h.Set("authorization", bearerToken)
	h.Set("cache-control", "no-cache")
	h.Set("content-type", "application/json")
	h.Set("pragma", "no-cache")
	h.Set("priority", "u=1, i")
	h.Set("referer", c.cfg.BaseURL+"/")
	h.Set("user-agent", userAgent)
	h.Set("x-twitter-active-user", "yes")
	h.Set("x-twitter-client-language", "en")
	h.Set("x-csrf-token", auth.CSRFToken)
	h.Set("cookie", fmt.Sprintf("auth_token=%s; ct0=%s", auth.AuthToken, auth.CSRFToken))
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
