// Package txid derives the per-request transaction-authentication token the
// platform uses to tell browser traffic from scripted clients.
//
// The derivation inputs are served by the platform itself: a site
// verification key embedded in the home page and an obfuscated ondemand
// script whose constants select which key bytes participate. Both rotate, so
// the derived state is cached with a TTL and rebuilt on demand.
//
// The algorithm is undocumented and changes without notice; everything
// version-specific lives behind Strategy so a new derivation can be swapped
// in without touching the scheduler or poll workers.
package txid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "xnotifyd/pkg/logx"
)

// ErrStaleKey is returned by Derive when the cached verification material has
// outlived its TTL. Callers refresh once and retry before treating the
// failure as transient.
var ErrStaleKey = errors.New("txid: cached site key expired")

// ErrNotInitialized is returned when Derive is called before any successful
// refresh.
var ErrNotInitialized = errors.New("txid: not initialized")

// Strategy is one concrete, versioned derivation.
type Strategy interface {
	Version() string
	Derive(method, path string, ts time.Time) (string, error)
}

// Fetcher fetches platform-served text resources (home page, scripts).
type Fetcher interface {
	GetText(ctx context.Context, url string) (string, error)
}

// Config configures the generator.
type Config struct {
	// BaseURL is the platform origin, e.g. "https://x.com".
	BaseURL string
	// TTL bounds how long cached verification material is trusted.
	// Defaults to 12h, matching the observed key rotation cadence.
	TTL time.Duration
}

// Generator caches a Strategy built from freshly fetched site material.
type Generator struct {
	cfg   Config
	fetch Fetcher
	log   logx.Logger

	// build constructs a Strategy from the fetched material. Swappable in
	// tests and when the remote algorithm changes.
	build func(homeHTML, scriptJS string) (Strategy, error)

	mu        sync.RWMutex
	strat     Strategy
	fetchedAt time.Time
}

func New(cfg Config, fetch Fetcher, log logx.Logger) *Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://x.com"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{cfg: cfg, fetch: fetch, log: log, build: newSiteStrategy}
}

// Derive produces a token for the given request. It never fetches: when the
// cache is missing or stale it fails fast with ErrStaleKey/ErrNotInitialized
// so the caller controls the (single) refresh-and-retry.
func (g *Generator) Derive(_ context.Context, method, path string) (string, error) {
	g.mu.RLock()
	strat := g.strat
	fetchedAt := g.fetchedAt
	g.mu.RUnlock()

	if strat == nil {
		return "", ErrNotInitialized
	}
	if time.Since(fetchedAt) >= g.cfg.TTL {
		return "", ErrStaleKey
	}
	return strat.Derive(method, path, time.Now())
}

// Refresh rebuilds the cached strategy from the platform's current material.
func (g *Generator) Refresh(ctx context.Context) error {
	home, err := g.fetch.GetText(ctx, g.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("txid: fetch home page: %w", err)
	}
	scriptURL, err := extractOndemandURL(home)
	if err != nil {
		return fmt.Errorf("txid: %w", err)
	}
	js, err := g.fetch.GetText(ctx, scriptURL)
	if err != nil {
		return fmt.Errorf("txid: fetch ondemand script: %w", err)
	}
	strat, err := g.build(home, js)
	if err != nil {
		return fmt.Errorf("txid: %w", err)
	}

	g.mu.Lock()
	g.strat = strat
	g.fetchedAt = time.Now()
	g.mu.Unlock()

	g.log.Info("transaction key refreshed", logx.String("version", strat.Version()))
	return nil
}

// InvalidateAndRefresh drops the cache before refreshing. Used after the
// platform rejects a token outright (403/404).
func (g *Generator) InvalidateAndRefresh(ctx context.Context) error {
	g.mu.Lock()
	g.strat = nil
	g.fetchedAt = time.Time{}
	g.mu.Unlock()
	return g.Refresh(ctx)
}

// Version reports the active strategy version, or "" when uninitialized.
func (g *Generator) Version() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.strat == nil {
		return ""
	}
	return g.strat.Version()
}
