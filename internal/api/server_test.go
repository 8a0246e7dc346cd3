package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/observability/metrics"
	"OpenPlugin-Server/internal/runtime"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

type fakeHost struct {
	reloads   int
	reloadErr error
	submitted []*plugin.Event
	submit    func(*plugin.Event) (*plugin.Event, error)
	stats     runtime.Stats
}

func (h *fakeHost) Submit(_ context.Context, event *plugin.Event) (*plugin.Event, error) {
	h.submitted = append(h.submitted, event)
	if h.submit != nil {
		return h.submit(event)
	}
	return event, nil
}

func (h *fakeHost) BroadcastReload(context.Context) error {
	h.reloads++
	return h.reloadErr
}

func (h *fakeHost) Stats() runtime.Stats { return h.stats }

func newTestServer(host Host, opts ...Option) http.Handler {
	opts = append(opts, WithLogger(logger.Discard()))
	return NewServer(":0", host, opts...).Handler()
}

func serve(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestReloadEndpoint(t *testing.T) {
	host := &fakeHost{stats: runtime.Stats{Workers: 3}}
	handler := newTestServer(host)

	rec := serve(t, handler, http.MethodPost, "/api/v1/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, host.reloads)
	assert.JSONEq(t, `{"status":"reloaded","workers":3}`, rec.Body.String())

	rec = serve(t, handler, http.MethodGet, "/api/v1/reload", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 1, host.reloads)
}

func TestReloadEndpointMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{runtime.ErrHostStopped, http.StatusServiceUnavailable},
		{xerrors.New(xerrors.CodeConfigSourceFailure, "mysql down"), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := serve(t, newTestServer(&fakeHost{reloadErr: tc.err}), http.MethodPost, "/api/v1/reload", "")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, xerrors.CodeOf(tc.err), body.Code)
	}
}

func TestSubmitEventEndpoint(t *testing.T) {
	host := &fakeHost{submit: func(ev *plugin.Event) (*plugin.Event, error) {
		ev.Properties["processed"] = true
		return ev, nil
	}}
	handler := newTestServer(host)

	rec := serve(t, handler, http.MethodPost, "/api/v1/events", `{"event":"pageview","team_id":2,"properties":{"key":"value"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Dropped)
	require.NotNil(t, resp.Event)
	assert.NotEmpty(t, resp.Event.UUID)
	assert.Equal(t, map[string]any{"key": "value", "processed": true}, resp.Event.Properties)
}

func TestSubmitEventEndpointDroppedAndInvalid(t *testing.T) {
	host := &fakeHost{submit: func(*plugin.Event) (*plugin.Event, error) { return nil, nil }}
	handler := newTestServer(host)

	rec := serve(t, handler, http.MethodPost, "/api/v1/events", `{"team_id":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event":null,"dropped":true}`, rec.Body.String())

	rec = serve(t, handler, http.MethodPost, "/api/v1/events", `{"team_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, host.submitted, 1)
}

func TestHealthEndpoints(t *testing.T) {
	host := &fakeHost{}
	handler := newTestServer(host)

	assert.Equal(t, http.StatusOK, serve(t, handler, http.MethodGet, "/live", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, handler, http.MethodGet, "/ready", "").Code)

	host.stats.Stopping = true
	rec := serve(t, handler, http.MethodGet, "/ready?full=1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "plugin host is stopping")
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	collector := metrics.NewCollector("apitest")
	host := &fakeHost{stats: runtime.Stats{Submitted: 7}}
	handler := newTestServer(host, WithCollector(collector, "apitest"))

	rec := serve(t, handler, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"submitted":7`)
	serve(t, handler, http.MethodGet, "/ready", "")

	rec = serve(t, handler, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `apitest_http_requests_total{code="200",handler="stats",method="GET"} 1`)
	assert.Contains(t, body, `apitest_healthcheck_status{check="plugin-host"} 0`)
}

func TestMetricsEndpointAbsentWithoutCollector(t *testing.T) {
	rec := serve(t, newTestServer(&fakeHost{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
