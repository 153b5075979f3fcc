package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xnotifyd/internal/txid"
	"xnotifyd/pkg/logx"
)

type fakeTokens struct {
	token      string
	stale      bool
	refreshed  int
	invalidate int
}

func (f *fakeTokens) Derive(ctx context.Context, method, path string) (string, error) {
	if f.stale {
		return "", txid.ErrStaleKey
	}
	return f.token, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) error {
	f.refreshed++
	f.stale = false
	return nil
}

func (f *fakeTokens) InvalidateAndRefresh(ctx context.Context) error {
	f.invalidate++
	return nil
}

func newTestClient(t *testing.T, baseURL string, tokens TokenSource) *Client {
	t.Helper()
	return NewClient(Config{BaseURL: baseURL, RatePerSec: 1000, Timeout: 5 * time.Second}, tokens, logx.Nop())
}

func TestBadgeCount(t *testing.T) {
	var gotTxid, gotCookie, gotCSRF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != badgeCountPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotTxid = r.Header.Get(txidHeader)
		gotCookie = r.Header.Get("Cookie")
		gotCSRF = r.Header.Get("x-csrf-token")
		w.Write([]byte(`{"ntab_unread_count":3,"dm_unread_count":0}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "tok123"})
	bc, err := c.GetBadgeCount(context.Background(), Auth{AuthToken: "at", CSRFToken: "ct"})
	if err != nil {
		t.Fatalf("GetBadgeCount: %v", err)
	}
	if bc.NtabUnreadCount != 3 {
		t.Errorf("NtabUnreadCount = %d, want 3", bc.NtabUnreadCount)
	}
	if gotTxid != "tok123" {
		t.Errorf("txid header = %q", gotTxid)
	}
	if !strings.Contains(gotCookie, "auth_token=at") || !strings.Contains(gotCookie, "ct0=ct") {
		t.Errorf("cookie = %q", gotCookie)
	}
	if gotCSRF != "ct" {
		t.Errorf("csrf header = %q", gotCSRF)
	}
}

func TestStaleTokenRefreshedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ntab_unread_count":1,"dm_unread_count":0}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "fresh", stale: true}
	c := newTestClient(t, srv.URL, tokens)
	if _, err := c.GetBadgeCount(context.Background(), Auth{AuthToken: "a", CSRFToken: "c"}); err != nil {
		t.Fatalf("GetBadgeCount: %v", err)
	}
	if tokens.refreshed != 1 {
		t.Errorf("refreshed %d times, want 1", tokens.refreshed)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t"})
	_, err := c.GetBadgeCount(context.Background(), Auth{AuthToken: "a", CSRFToken: "c"})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rl.RetryAfterHint != 42*time.Second {
		t.Errorf("RetryAfterHint = %v, want 42s", rl.RetryAfterHint)
	}
}

func TestForbiddenInvalidatesKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "t"}
	c := newTestClient(t, srv.URL, tokens)
	_, err := c.GetBadgeCount(context.Background(), Auth{AuthToken: "a", CSRFToken: "c"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Code != http.StatusForbidden {
		t.Errorf("Code = %d", se.Code)
	}
	if tokens.invalidate != 1 {
		t.Errorf("invalidated %d times, want 1", tokens.invalidate)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("15"); d != 15*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("empty = %v", d)
	}
}
