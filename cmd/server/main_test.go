package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/server"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// fakeVoluum serves a fixed report per endpoint.
func fakeVoluum(t *testing.T) *httptest.Server {
	t.Helper()
	reports := map[string][]map[string]interface{}{
		"/report/live/visits": {
			{"clickId": "k1", "timestamp": "2024-01-01T10:05:00Z", "campaignId": "C1", "campaignName": "PL - Summer", "countryCode": "US", "device": "mobile", "cost": "0.25"},
			{"clickId": "k2", "timestamp": "2024-01-01T10:20:00Z", "campaignId": "C1", "campaignName": "PL - Summer", "countryCode": "US", "device": "mobile", "cost": "0.25"},
		},
		"/report/live/clicks": {
			{"clickId": "k1", "timestamp": "2024-01-01T10:06:00Z", "campaignId": "C1", "countryCode": "US", "device": "mobile"},
		},
		"/report/conversions": {
			{"clickId": "k1", "postbackTimestamp": "2024-01-01T10:40:00Z", "visitTimestamp": "2024-01-01T10:05:00Z", "campaignId": "C1", "countryCode": "US", "device": "mobile", "revenue": "3", "payout": "2"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/access/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	for path, rows := range reports {
		rows := rows
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("offset") != "0" {
				json.NewEncoder(w).Encode(map[string]interface{}{"rows": []interface{}{}, "totalRows": len(rows)})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"rows": rows, "totalRows": len(rows)})
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setEnv(t *testing.T, api *httptest.Server) {
	t.Setenv("TINYTRAFFIC_STORAGE_BACKEND", "memory")
	t.Setenv("TINYTRAFFIC_SOURCE_BASE_URL", api.URL)
	t.Setenv("TINYTRAFFIC_SOURCE_ACCESS_ID", "id")
	t.Setenv("TINYTRAFFIC_SOURCE_ACCESS_KEY", "key")
	t.Setenv("TINYTRAFFIC_SERVER_PORT", "0")
	t.Setenv("TINYTRAFFIC_LOG_LEVEL", "error")
}

func post(t *testing.T, base, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestE2E_SyncRollupAndQuery(t *testing.T) {
	setEnv(t, fakeVoluum(t))
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	api := httptest.NewServer(a.srv.Router())
	defer api.Close()

	now := "now=2024-01-01T12:00:00Z"
	for i := 0; i < 2; i++ {
		resp := post(t, api.URL, "/v1/sync?"+now)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := post(t, api.URL, "/v1/rollup?hour=2024-01-01T10:00:00Z")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(api.URL + "/v1/stats/hourly?start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var rows []traffic.HourlyStat
	require.NoError(t, json.NewDecoder(get.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "C1", rows[0].CampaignID)
	assert.Equal(t, int64(2), rows[0].Visits)
	assert.Equal(t, int64(1), rows[0].Clicks)
	assert.Equal(t, int64(1), rows[0].Conversions)
	assert.Equal(t, "0.5", rows[0].Cost.String())
	assert.Equal(t, "2.5", rows[0].Profit.String())
	assert.Equal(t, "50", rows[0].CR.String())
	assert.Equal(t, "3", rows[0].EPC.String())

	csv, err := http.Get(api.URL + "/v1/export?format=csv&start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z")
	require.NoError(t, err)
	defer csv.Body.Close()
	assert.Equal(t, http.StatusOK, csv.StatusCode)
	assert.True(t, strings.HasPrefix(csv.Header.Get("Content-Type"), "text/csv"))
}

func TestBuild_RequiresCredentials(t *testing.T) {
	t.Setenv("TINYTRAFFIC_STORAGE_BACKEND", "memory")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Source.AccessID = ""

	_, err = build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	setEnv(t, fakeVoluum(t))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, "") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	flag := cmd.Flags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.NotEmpty(t, server.Version)
}
