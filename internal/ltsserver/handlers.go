// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltsserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ltscore/ltscore/internal/auth"
)

// Server implements the sync protocol's four HTTP endpoints against a
// Store.
type Server struct {
	store  Store
	auth   *TokenAuth
	hub    *eventHub
	logger *slog.Logger
}

// NewServer builds a Server over store, authenticating requests with auth.
func NewServer(store Store, auth *TokenAuth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, auth: auth, hub: newEventHub(), logger: logger}
}

// Handler returns the net/http.Handler exposing all four endpoints on a
// plain http.ServeMux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest-lts", s.handleLatestLTS)
	mux.HandleFunc("/data", s.handleData)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// authenticate validates the bearer token and, on success, stashes the
// authenticated app_id on the request's context via internal/auth so
// every log line emitted for the rest of this request's lifetime can be
// correlated back to a tenant without threading an extra parameter
// through each handler.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*Claims, *http.Request, bool) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, r, false
	}
	r = r.WithContext(auth.WithAppID(r.Context(), claims.AppID))
	return claims, r, true
}

// handleLatestLTS implements GET /latest-lts?name=<entity>&app_id=<A>.
func (s *Server) handleLatestLTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	appID := r.URL.Query().Get("app_id")
	entity := r.URL.Query().Get("name")
	if appID == "" || entity == "" {
		http.Error(w, "app_id and name are required", http.StatusBadRequest)
		return
	}

	// Only the archive channel advertises a baseline: a fresh client
	// must not replay deletes that predate it, but data entities replay
	// their full history, so their registration baselines to 0 via the
	// 404 branch.
	if entity != "archive" {
		http.Error(w, "entity unknown", http.StatusNotFound)
		return
	}

	lts, found, err := s.store.LatestLTS(r.Context(), appID, entity)
	if err != nil {
		requestAppID, _ := auth.AppID(r.Context())
		s.logger.Error("latest-lts failed", "app_id", requestAppID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "entity unknown", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"lts": lts})
}

// handleData dispatches GET /data (page download) and POST /data (batch
// upload) to their respective implementations.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleDataGet(w, r)
	case http.MethodPost:
		s.handleDataPost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDataGet implements GET /data?name=&pageSize=&lts=&app_id=.
func (s *Server) handleDataGet(w http.ResponseWriter, r *http.Request) {
	_, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	appID := q.Get("app_id")
	entity := q.Get("name")
	if appID == "" || entity == "" {
		http.Error(w, "app_id and name are required", http.StatusBadRequest)
		return
	}

	pageSize, err := strconv.Atoi(q.Get("pageSize"))
	if err != nil || pageSize <= 0 {
		pageSize = 1000
	}
	afterLTS, _ := strconv.ParseInt(q.Get("lts"), 10, 64) // missing/invalid -> 0, full history

	page, err := s.store.FetchPage(r.Context(), appID, entity, afterLTS, pageSize)
	if err != nil {
		requestAppID, _ := auth.AppID(r.Context())
		s.logger.Error("fetch page failed", "app_id", requestAppID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": page})
}

// dataPushBody is the decoded {name, data: <JSON-string>} body of POST
// /data. The data field is a JSON-encoded string, not an inline array;
// the wire contract double-encodes it.
type dataPushBody struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// handleDataPost implements POST /data?app_id=.
func (s *Server) handleDataPost(w http.ResponseWriter, r *http.Request) {
	_, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	appID := r.URL.Query().Get("app_id")
	if appID == "" {
		http.Error(w, "app_id is required", http.StatusBadRequest)
		return
	}

	var body dataPushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	var rows []map[string]any
	if err := json.Unmarshal([]byte(body.Data), &rows); err != nil {
		http.Error(w, fmt.Sprintf("decode data: %v", err), http.StatusBadRequest)
		return
	}

	results, err := s.store.PushRows(r.Context(), appID, body.Name, rows)
	if err != nil {
		requestAppID, _ := auth.AppID(r.Context())
		s.logger.Error("push rows failed", "app_id", requestAppID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.hub.Publish(appID)
	writeJSON(w, http.StatusOK, map[string]any{"results": toResultsJSON(results)})
}

func toResultsJSON(results []RowResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{"id": r.ID, "status": r.Status}
		if r.LTS != nil {
			entry["lts"] = *r.LTS
		}
		if r.Reason != "" {
			entry["reason"] = r.Reason
		}
		out = append(out, entry)
	}
	return out
}

// handleEvents implements GET /events?app_id=, the long-lived
// newline-delimited stream: "data:<id>" lines on Publish, ":hb"
// heartbeats every 15s to keep intermediary proxies from closing an
// idle connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, r, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	appID := r.URL.Query().Get("app_id")
	if appID == "" {
		http.Error(w, "app_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, unsubscribe := s.hub.Subscribe(appID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			fmt.Fprintf(w, "data:%s\n\n", uuid.NewString())
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ":hb\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
