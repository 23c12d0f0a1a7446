package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballcone/ballcone/src/internal/core"
	"github.com/ballcone/ballcone/src/internal/dao"
	"github.com/ballcone/ballcone/src/internal/schema"
)

func newTestServer(t *testing.T) (*Server, *core.Core) {
	t.Helper()
	d, err := dao.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	c := core.New(d, core.Config{TopLimit: 3, PersistPeriod: time.Hour}, prometheus.NewRegistry())

	s, err := New(Config{Listen: "127.0.0.1:0", DashboardDays: 7}, c)
	require.NoError(t, err)

	return s, c
}

func seedService(t *testing.T, c *core.Core, service string) {
	t.Helper()
	dt := time.Now().UTC()
	rec := schema.Record{
		Datetime: dt,
		Date:     schema.DateOnly(dt),
		Host:     "example.org",
		Method:   "GET",
		Path:     "/",
		Status:   200,
		Length:   100,
		IP:       netip.MustParseAddr("127.0.0.1"),
	}
	require.NoError(t, c.Enqueue(context.Background(), service, rec))
	c.Persist(context.Background())
}

func TestHandleRootRendersDashboard(t *testing.T) {
	s, c := newTestServer(t)
	seedService(t, c, "svc")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svc")
}

func TestHandleServiceNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/services/nope", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleServiceRendersOverview(t *testing.T) {
	s, c := newTestServer(t)
	seedService(t, c, "svc")

	req := httptest.NewRequest(http.MethodGet, "/services/svc", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleQueryReturnsJSON(t *testing.T) {
	s, c := newTestServer(t)
	seedService(t, c, "svc")

	req := httptest.NewRequest(http.MethodGet, "/services/svc/query/visits", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandleQueryUnknownCommandIsBadRequest(t *testing.T) {
	s, c := newTestServer(t)
	seedService(t, c, "svc")

	req := httptest.NewRequest(http.MethodGet, "/services/svc/query/bogus", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSQLGetShowsDefaultQuery(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sql", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SELECT 1, 2, 3")
}

func TestHandleSQLPostRunsStatement(t *testing.T) {
	s, _ := newTestServer(t)

	form := url.Values{"sql": {"SELECT 42"}}
	req := httptest.NewRequest(http.MethodPost, "/sql", nil)
	req.PostForm = form
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42")
}

func TestHandleNginxFlagsInvalidInput(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nginx?service=bad+service&ip=not-an-ip", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid")
}

func TestHandleNginxDefaultsAreValid(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nginx", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "invalid")
}
