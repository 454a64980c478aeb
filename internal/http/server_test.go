package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

type stubReader struct {
	units map[string]*feature.Unit
	runs  map[string][]*feature.Run
}

func (s *stubReader) GetUnit(_ context.Context, _, unitID string) (*feature.Unit, error) {
	u, ok := s.units[unitID]
	if !ok {
		return nil, feature.ErrUnitNotFound
	}
	return u, nil
}

func (s *stubReader) ListUnits(context.Context, string) ([]*feature.Unit, error) {
	out := make([]*feature.Unit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u)
	}
	return out, nil
}

func (s *stubReader) ListRuns(_ context.Context, unitID string) ([]*feature.Run, error) {
	return s.runs[unitID], nil
}

type stubCanceller struct {
	active    []string
	cancelled []string
}

func (s *stubCanceller) Cancel(unitID, _ string) bool {
	for _, id := range s.active {
		if id == unitID {
			s.cancelled = append(s.cancelled, unitID)
			return true
		}
	}
	return false
}

func (s *stubCanceller) Active() []string { return s.active }

func testServer(t *testing.T, reader *stubReader, canceller Canceller) *Server {
	t.Helper()
	s, err := NewServer("proj", reader, canceller, prometheus.NewRegistry(), nil, nil)
	require.NoError(t, err)
	return s
}

func seedReader() *stubReader {
	return &stubReader{
		units: map[string]*feature.Unit{
			"a": {ID: "a", ProjectID: "proj", Name: "a", Status: feature.StatusCompleted},
			"b": {ID: "b", ProjectID: "proj", Name: "b", Status: feature.StatusInProgress},
		},
		runs: map[string][]*feature.Run{
			"a": {{ID: "r1", UnitID: "a", Worker: "coder", Status: feature.RunSucceeded, StartedAt: time.Now()}},
		},
	}
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer("", seedReader(), nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewServer("proj", nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	rec := doJSON(t, testServer(t, seedReader(), nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "test_gauge"}, func() float64 { return 1 }))
	s, err := NewServer("proj", seedReader(), nil, reg, nil, nil)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_gauge")
}

func TestStatus(t *testing.T) {
	canceller := &stubCanceller{active: []string{"b"}}
	rec := doJSON(t, testServer(t, seedReader(), canceller), http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "proj", resp.Project)
	assert.Equal(t, 1, resp.Units["completed"])
	assert.Equal(t, 1, resp.Units["in_progress"])
	assert.Equal(t, []string{"b"}, resp.Active)
	assert.False(t, resp.Done)
}

func TestGetUnit(t *testing.T) {
	s := testServer(t, seedReader(), nil)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/units/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var unit feature.Unit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unit))
	assert.Equal(t, "a", unit.ID)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/units/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	s := testServer(t, seedReader(), nil)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/units/a/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []*feature.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "coder", runs[0].Worker)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/units/nope/runs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnit(t *testing.T) {
	canceller := &stubCanceller{active: []string{"b"}}
	s := testServer(t, seedReader(), canceller)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/units/b/cancel", `{"reason":"operator says stop"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"b"}, canceller.cancelled)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/units/a/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelUnit_NoScheduler(t *testing.T) {
	s := testServer(t, seedReader(), nil)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/units/b/cancel", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
