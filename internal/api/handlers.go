package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"xnotifyd/internal/store"
	"xnotifyd/pkg/logx"
)

type createTargetRequest struct {
	Handle    string `json:"handle"`
	AuthToken string `json:"auth_token"`
	CSRFToken string `json:"csrf_token"`
	Schedule  string `json:"schedule,omitempty"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req.Handle = strings.TrimPrefix(strings.TrimSpace(req.Handle), "@")
	if req.Handle == "" {
		writeErr(w, http.StatusBadRequest, "handle required")
		return
	}
	if req.AuthToken == "" || req.CSRFToken == "" {
		writeErr(w, http.StatusBadRequest, "auth_token and csrf_token required")
		return
	}

	t := store.Target{
		ID:        uuid.NewString(),
		Handle:    req.Handle,
		Schedule:  req.Schedule,
		AuthToken: req.AuthToken,
		CSRFToken: req.CSRFToken,
	}
	if err := s.store.CreateTarget(r.Context(), t); err != nil {
		s.log.Error("create target", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	// The upsert may have kept an existing row's id.
	stored, err := s.store.GetTargetByHandle(r.Context(), t.Handle)
	if err == nil {
		t = stored
	}
	s.poller.Add(t)
	s.log.Info("target registered", logx.String("handle", t.Handle))
	writeOK(w, http.StatusCreated, map[string]any{"id": t.ID, "handle": t.Handle})
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTarget(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "unknown target")
			return
		}
		s.log.Error("delete target", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	s.poller.Remove(id)
	writeOK(w, http.StatusOK, nil)
}

type createSubscriptionRequest struct {
	TargetID string `json:"target_id"`
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.TargetID == "" {
		writeErr(w, http.StatusBadRequest, "target_id required")
		return
	}
	u, err := url.Parse(req.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeErr(w, http.StatusBadRequest, "endpoint must be an http(s) url")
		return
	}
	if _, err := s.store.GetTarget(r.Context(), req.TargetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "unknown target")
			return
		}
		s.log.Error("lookup target", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = newSecret()
	}
	sub := store.Subscription{
		ID:       uuid.NewString(),
		TargetID: req.TargetID,
		Endpoint: req.Endpoint,
		Secret:   secret,
	}
	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		s.log.Error("create subscription", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	s.log.Info("subscription registered", logx.String("target", req.TargetID))
	writeOK(w, http.StatusCreated, map[string]any{"id": sub.ID, "secret": secret})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "unknown subscription")
			return
		}
		s.log.Error("delete subscription", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	counts, err := s.store.CountEvents(r.Context())
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"events": counts})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountEvents(r.Context())
	if err != nil {
		s.log.Error("count events", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	dead, err := s.store.DeadLetters(r.Context(), 20)
	if err != nil {
		s.log.Error("list dead letters", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	deadOut := make([]map[string]any, 0, len(dead))
	for _, ev := range dead {
		deadOut = append(deadOut, map[string]any{
			"id":         ev.ID,
			"item_id":    ev.ItemID,
			"attempts":   ev.Attempts,
			"last_error": ev.LastError,
		})
	}
	body := map[string]any{
		"targets":      s.poller.Snapshot(),
		"events":       counts,
		"dead_letters": deadOut,
		"time":         time.Now().UTC().Format(time.RFC3339),
	}
	if s.runtime != nil {
		body["runtime"] = s.runtime()
	}
	writeOK(w, http.StatusOK, body)
}

// handleTxid derives a transaction token for an arbitrary request path.
// Debug aid: lets an operator compare tokens against a browser session.
func (s *Server) handleTxid(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/i/api/2/badge_count/badge_count.json"
	}
	if !strings.HasPrefix(path, "/") {
		writeErr(w, http.StatusBadRequest, "path must start with /")
		return
	}
	if force := r.URL.Query().Get("force"); force == "true" || force == "1" {
		if err := s.tokens.InvalidateAndRefresh(r.Context()); err != nil {
			writeErr(w, http.StatusBadGateway, "refresh failed: "+err.Error())
			return
		}
	}
	token, err := s.tokens.Derive(r.Context(), http.MethodGet, path)
	if err != nil {
		// Cold or stale key; refresh once and retry.
		if rerr := s.tokens.InvalidateAndRefresh(r.Context()); rerr != nil {
			writeErr(w, http.StatusBadGateway, "refresh failed: "+rerr.Error())
			return
		}
		if token, err = s.tokens.Derive(r.Context(), http.MethodGet, path); err != nil {
			writeErr(w, http.StatusBadGateway, "derive failed: "+err.Error())
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]any{
		"transaction_id": token,
		"path":           path,
		"key_version":    s.tokens.Version(),
	})
}

func newSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
