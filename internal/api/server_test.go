package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"xnotifyd/internal/poll"
	"xnotifyd/internal/store"
	"xnotifyd/pkg/logx"
)

type fakePoller struct {
	added   []store.Target
	removed []string
}

func (p *fakePoller) Add(t store.Target) { p.added = append(p.added, t) }
func (p *fakePoller) Remove(id string)   { p.removed = append(p.removed, id) }
func (p *fakePoller) Snapshot() []poll.TargetStatus {
	return []poll.TargetStatus{{ID: "t1", Handle: "alice"}}
}

type fakeTokens struct {
	token     string
	err       error
	refreshed int
}

func (f *fakeTokens) Derive(ctx context.Context, method, path string) (string, error) {
	if f.err != nil {
		err := f.err
		f.err = nil
		return "", err
	}
	return f.token, nil
}

func (f *fakeTokens) InvalidateAndRefresh(ctx context.Context) error {
	f.refreshed++
	return nil
}

func (f *fakeTokens) Version() string { return "v1" }

func newTestServer(t *testing.T) (*Server, *store.Store, *fakePoller, *fakeTokens) {
	t.Helper()
	st, err := store.Open(store.Config{Path: t.TempDir() + "/test.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	poller := &fakePoller{}
	tokens := &fakeTokens{token: "tok"}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", WriteLimit: 1000, WriteWindow: time.Hour},
		st, poller, tokens, logx.Nop())
	return srv, st, poller, tokens
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if len(rec.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestCreateAndDeleteTarget(t *testing.T) {
	srv, _, poller, _ := newTestServer(t)
	h := srv.Handler()

	rec, out := doJSON(t, h, http.MethodPost, "/targets", map[string]string{
		"handle": "@alice", "auth_token": "at", "csrf_token": "ct",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %v", rec.Code, out)
	}
	if out["status"] != "ok" || out["handle"] != "alice" {
		t.Errorf("body = %v", out)
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatal("no id returned")
	}
	if len(poller.added) != 1 || poller.added[0].Handle != "alice" {
		t.Errorf("poller.added = %v", poller.added)
	}

	rec, _ = doJSON(t, h, http.MethodDelete, "/targets/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if len(poller.removed) != 1 || poller.removed[0] != id {
		t.Errorf("poller.removed = %v", poller.removed)
	}

	rec, out = doJSON(t, h, http.MethodDelete, "/targets/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status %d", rec.Code)
	}
	if out["status"] != "error" {
		t.Errorf("body = %v", out)
	}
}

func TestCreateTargetValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Handler()

	cases := []map[string]string{
		{},
		{"handle": "alice"},
		{"handle": "alice", "auth_token": "at"},
	}
	for i, body := range cases {
		rec, out := doJSON(t, h, http.MethodPost, "/targets", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: status %d, body %v", i, rec.Code, out)
		}
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	h := srv.Handler()

	tgt := store.Target{ID: "t1", Handle: "alice", AuthToken: "a", CSRFToken: "c"}
	if err := st.CreateTarget(context.Background(), tgt); err != nil {
		t.Fatalf("create target: %v", err)
	}

	rec, out := doJSON(t, h, http.MethodPost, "/subscriptions", map[string]string{
		"target_id": "t1", "endpoint": "https://push.example/abc",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %v", rec.Code, out)
	}
	if sec, _ := out["secret"].(string); sec == "" {
		t.Error("no generated secret returned")
	}
	id, _ := out["id"].(string)

	rec, _ = doJSON(t, h, http.MethodDelete, "/subscriptions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status %d", rec.Code)
	}

	// Unknown target rejected.
	rec, _ = doJSON(t, h, http.MethodPost, "/subscriptions", map[string]string{
		"target_id": "missing", "endpoint": "https://push.example/abc",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown target status %d", rec.Code)
	}

	// Bad endpoint rejected.
	rec, _ = doJSON(t, h, http.MethodPost, "/subscriptions", map[string]string{
		"target_id": "t1", "endpoint": "ftp://nope",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad endpoint status %d", rec.Code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Handler()

	rec, out := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("health: %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %v", rec.Code, out)
	}
	targets, _ := out["targets"].([]any)
	if len(targets) != 1 {
		t.Errorf("targets = %v", out["targets"])
	}
}

func TestTxidEndpoint(t *testing.T) {
	srv, _, _, tokens := newTestServer(t)
	h := srv.Handler()

	rec, out := doJSON(t, h, http.MethodGet, "/txid?path=/i/api/test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %v", rec.Code, out)
	}
	if out["transaction_id"] != "tok" || out["key_version"] != "v1" {
		t.Errorf("body = %v", out)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/txid?force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced status %d", rec.Code)
	}
	if tokens.refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", tokens.refreshed)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/txid?path=no-slash", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad path status %d", rec.Code)
	}
}

func TestWriteRateLimit(t *testing.T) {
	st, err := store.Open(store.Config{Path: t.TempDir() + "/test.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", WriteLimit: 2, WriteWindow: time.Hour},
		st, &fakePoller{}, &fakeTokens{token: "tok"}, logx.Nop())
	h := srv.Handler()

	var last int
	for i := 0; i < 3; i++ {
		rec, _ := doJSON(t, h, http.MethodPost, "/targets", map[string]string{
			"handle": fmt.Sprintf("u%d", i), "auth_token": "a", "csrf_token": "c",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third write status %d, want 429", last)
	}

	// Reads are not limited.
	rec, _ := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status %d", rec.Code)
	}
}
