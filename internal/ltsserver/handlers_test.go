// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *TokenAuth) {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auth := NewTokenAuth("test-secret")
	srv := NewServer(store, auth, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, auth
}

func authedGet(t *testing.T, client *http.Client, auth *TokenAuth, url string) *http.Response {
	t.Helper()
	token, err := auth.IssueToken("app1", time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandleLatestLTSReturnsNotFoundForUnknownEntity(t *testing.T) {
	ts, auth := newTestServer(t)
	resp := authedGet(t, ts.Client(), auth, ts.URL+"/latest-lts?name=archive&app_id=app1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Data entities never advertise a baseline; a fresh client must replay
// their full history, so latest-lts answers 404 even when rows exist.
func TestHandleLatestLTSRejectsDataEntities(t *testing.T) {
	ts, auth := newTestServer(t)
	pushRowsHelper(t, ts, auth, "items", []map[string]any{{"id": "a", "name": "alpha"}})

	resp := authedGet(t, ts.Client(), auth, ts.URL+"/latest-lts?name=items&app_id=app1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleLatestLTSRequiresAuthentication(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/latest-lts?name=items&app_id=app1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// pushRowsHelper POSTs rows for entity the same way a sync client does,
// with the row array JSON-encoded into the top-level data string.
func pushRowsHelper(t *testing.T, ts *httptest.Server, auth *TokenAuth, entity string, rows []map[string]any) []map[string]any {
	t.Helper()
	token, err := auth.IssueToken("app1", time.Minute)
	require.NoError(t, err)

	encodedRows, err := json.Marshal(rows)
	require.NoError(t, err)
	pushBody, err := json.Marshal(map[string]string{"name": entity, "data": string(encodedRows)})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/data?app_id=app1", strings.NewReader(string(pushBody)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp struct {
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	return pushResp.Results
}

func TestPushThenFetchPageRoundTrip(t *testing.T) {
	ts, auth := newTestServer(t)

	results := pushRowsHelper(t, ts, auth, "items", []map[string]any{
		{"id": "a", "name": "alpha"},
		{"id": "b", "name": "beta"},
	})
	require.Len(t, results, 2)
	require.Equal(t, "accepted", results[0]["status"])

	pageResp := authedGet(t, ts.Client(), auth, ts.URL+"/data?name=items&pageSize=1000&lts=0&app_id=app1")
	defer pageResp.Body.Close()
	require.Equal(t, http.StatusOK, pageResp.StatusCode)
	var page struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(pageResp.Body).Decode(&page))
	require.Len(t, page.Data, 2)
}

// The archive channel is the one entity that advertises its high-water
// mark, so late-registering clients skip deletes that predate them.
func TestLatestLTSAdvancesWithArchivePushes(t *testing.T) {
	ts, auth := newTestServer(t)

	results := pushRowsHelper(t, ts, auth, "archive", []map[string]any{
		{"id": "tomb-1", "table_name": "items", "data_id": "a", "data": "{}"},
		{"id": "tomb-2", "table_name": "items", "data_id": "b", "data": "{}"},
	})
	require.Len(t, results, 2)

	latestResp := authedGet(t, ts.Client(), auth, ts.URL+"/latest-lts?name=archive&app_id=app1")
	defer latestResp.Body.Close()
	require.Equal(t, http.StatusOK, latestResp.StatusCode)
	var latest struct {
		LTS int64 `json:"lts"`
	}
	require.NoError(t, json.NewDecoder(latestResp.Body).Decode(&latest))
	require.EqualValues(t, 2, latest.LTS)
}

func TestPushRowsWithoutIDIsRejected(t *testing.T) {
	ts, auth := newTestServer(t)
	token, err := auth.IssueToken("app1", time.Minute)
	require.NoError(t, err)

	rows := []map[string]any{{"name": "no-id"}}
	encodedRows, err := json.Marshal(rows)
	require.NoError(t, err)
	pushBody, err := json.Marshal(map[string]string{"name": "items", "data": string(encodedRows)})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/data?app_id=app1", strings.NewReader(string(pushBody)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp struct {
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	require.Len(t, pushResp.Results, 1)
	require.Equal(t, "rejected", pushResp.Results[0]["status"])
}

func TestAuthenticateRejectsMalformedToken(t *testing.T) {
	auth := NewTokenAuth("s")
	req, err := http.NewRequest(http.MethodGet, "http://x/latest-lts", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = auth.Authenticate(req)
	require.Error(t, err)
}
