package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSnapshot() Snapshot {
	return Snapshot{
		Adapters:         2,
		Clients:          5,
		RateLimitBuckets: 7,
		RateLimitBans:    1,
		PendingCommands:  3,
		Timeouts:         4,
		DroppedReplies:   0,
		Overflows:        0,
	}
}

func TestHandleHealth_ReportsUptimeAndCounts(t *testing.T) {
	s := New("", true, fakeSnapshot, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(fakeSnapshot)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Adapters)
	assert.Equal(t, 5, body.Clients)
}

func TestHandleStats_ReportsFullSnapshot(t *testing.T) {
	s := New("", true, fakeSnapshot, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(fakeSnapshot)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body statsBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 7, body.RateLimitBuckets)
	assert.Equal(t, 1, body.RateLimitBans)
	assert.Equal(t, 3, body.PendingCommands)
	assert.Equal(t, int64(4), body.Timeouts)
}

func TestNew_StatsDisabledOmitsStatsRoute(t *testing.T) {
	s := New("", false, fakeSnapshot, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_MetricsAndHealthAlwaysServed(t *testing.T) {
	s := New("", false, fakeSnapshot, nil)

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		s.httpServer.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}
