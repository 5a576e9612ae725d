package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claim-pipeline/internal/config"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error {
	return f.err
}

type fakeStatus struct {
	counts map[string]int64
	err    error
}

func (f *fakeStatus) StatusCounts(_ context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

func newTestServer(postgres, redis Pinger, status StatusSource) *Server {
	return NewServer(&config.OpsConfig{Host: "127.0.0.1", Port: "0"}, postgres, redis, status, nil, nil)
}

func doRequest(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAllDependenciesUp(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakePinger{}, &fakeStatus{})

	rec := doRequest(s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "ok", body.Checks["redis"])
}

func TestHealthFailingDependency(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakePinger{err: errors.New("connection refused")}, &fakeStatus{})

	rec := doRequest(s, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Contains(t, body.Checks["redis"], "connection refused")
}

func TestStatusReportsCounts(t *testing.T) {
	status := &fakeStatus{counts: map[string]int64{
		"pending":           3,
		"verified":          10,
		"batches_in_flight": 1,
	}}
	s := newTestServer(&fakePinger{}, &fakePinger{}, status)

	rec := doRequest(s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counts map[string]int64 `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Counts["pending"])
	assert.Equal(t, int64(1), body.Counts["batches_in_flight"])
}

func TestStatusCollectorFailure(t *testing.T) {
	s := newTestServer(&fakePinger{}, &fakePinger{}, &fakeStatus{err: errors.New("db down")})

	rec := doRequest(s, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
