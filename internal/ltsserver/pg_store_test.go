// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newPGStore connects to the Postgres instance named by LTSSERVER_PG_DSN,
// skipping the test when none is configured so the default test run
// stays SQLite-only. Each test isolates itself with a fresh app_id
// rather than truncating shared tables.
func newPGStore(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("LTSSERVER_PG_DSN")
	if dsn == "" {
		t.Skip("LTSSERVER_PG_DSN not set; skipping Postgres store tests")
	}
	store, err := NewPGStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPGStorePushThenFetchPageRoundTrip(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	appID := uuid.NewString()

	results, err := store.PushRows(ctx, appID, "items", []map[string]any{
		{"id": "a", "name": "alpha"},
		{"id": "b", "name": "beta"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "accepted", results[0].Status)
	require.NotNil(t, results[0].LTS)

	page, err := store.FetchPage(ctx, appID, "items", 0, 1000)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "alpha", page[0]["name"])

	// A page after the first row's lts returns only the second.
	page, err = store.FetchPage(ctx, appID, "items", *results[0].LTS, 1000)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "b", page[0]["id"])
}

func TestPGStoreLatestLTSTracksPushes(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	appID := uuid.NewString()

	_, found, err := store.LatestLTS(ctx, appID, "archive")
	require.NoError(t, err)
	require.False(t, found, "fresh app must have no watermark")

	results, err := store.PushRows(ctx, appID, "archive", []map[string]any{
		{"id": "tomb-1", "table_name": "items", "data_id": "a", "data": "{}"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	lts, found, err := store.LatestLTS(ctx, appID, "archive")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, *results[0].LTS, lts)
}

func TestPGStoreRepushOverwritesRow(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	appID := uuid.NewString()

	_, err := store.PushRows(ctx, appID, "items", []map[string]any{{"id": "a", "name": "v1"}})
	require.NoError(t, err)
	results, err := store.PushRows(ctx, appID, "items", []map[string]any{{"id": "a", "name": "v2"}})
	require.NoError(t, err)

	page, err := store.FetchPage(ctx, appID, "items", 0, 1000)
	require.NoError(t, err)
	require.Len(t, page, 1, "re-push of the same id must overwrite, not duplicate")
	require.Equal(t, "v2", page[0]["name"])
	require.EqualValues(t, *results[0].LTS, int64(page[0]["lts"].(float64)))
}

// TestHandlersOverPGStore runs the HTTP surface against the Postgres
// backend, the same round trip handlers_test.go drives over SQLite.
func TestHandlersOverPGStore(t *testing.T) {
	store := newPGStore(t)
	appID := uuid.NewString()

	auth := NewTokenAuth("pg-test-secret")
	srv := NewServer(store, auth, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := auth.IssueToken(appID, time.Minute)
	require.NoError(t, err)

	rows := []map[string]any{{"id": "a", "name": "alpha"}}
	encodedRows, err := json.Marshal(rows)
	require.NoError(t, err)
	pushBody, err := json.Marshal(map[string]string{"name": "items", "data": string(encodedRows)})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/data?app_id="+appID, strings.NewReader(string(pushBody)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pageReq, err := http.NewRequest(http.MethodGet, ts.URL+"/data?name=items&pageSize=1000&lts=0&app_id="+appID, nil)
	require.NoError(t, err)
	pageReq.Header.Set("Authorization", "Bearer "+token)
	pageResp, err := ts.Client().Do(pageReq)
	require.NoError(t, err)
	defer pageResp.Body.Close()
	require.Equal(t, http.StatusOK, pageResp.StatusCode)

	var page struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(pageResp.Body).Decode(&page))
	require.Len(t, page.Data, 1)
	require.Equal(t, "alpha", page.Data[0]["name"])
}
