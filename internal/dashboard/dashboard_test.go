package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/directory"
	"github.com/fyrsmithlabs/pharmadir/internal/groups"
	"github.com/fyrsmithlabs/pharmadir/internal/logging"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

var today = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)

var sampleRows = []nppes.DirectoryRow{
	{NPI: "1000000001", LegalName: "Alpha Pharmacy LLC", AlternateName: "Corner Drug", City: "Columbus", State: "OH", TaxonomyCode: "3336C0003X"},
	{NPI: "1000000002", LegalName: "Buckeye Compounding", State: "OH", TaxonomyCode: "3336C0004X"},
	{NPI: "1000000003", LegalName: "Lake Rx", AlternateName: "", State: "MI", TaxonomyCode: "3336C0003X"},
	{NPI: "1000000004", LegalName: "Harbor Health", AlternateName: "Harbor PHARMACY", State: "MI", TaxonomyCode: "333600000X"},
}

type testEnv struct {
	dir    string
	server *Server
	store  *groups.CSVStore
	logger *logging.TestLogger
	reg    *prometheus.Registry
	m      *metrics.Metrics
}

func newTestEnv(t *testing.T, writeSnapshot bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if writeSnapshot {
		require.NoError(t, directory.Write(filepath.Join(dir, directory.FileName("", today)), sampleRows))
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	logger := logging.NewTestLogger()
	store := groups.NewCSVStore(filepath.Join(dir, "groups.csv"))

	srv, err := NewServer(Config{Port: 8501}, Deps{
		Source: &Source{
			Dir:   dir,
			Mode:  SnapshotToday,
			Cache: NewCache(m),
			Now:   func() time.Time { return today },
		},
		Groups:   store,
		Logger:   logger.Logger,
		Gatherer: reg,
	})
	require.NoError(t, err)

	return &testEnv{dir: dir, server: srv, store: store, logger: logger, reg: reg, m: m}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, target, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("requires source", func(t *testing.T) {
		_, err := NewServer(Config{}, Deps{Groups: groups.NewCSVStore("x.csv")})
		assert.ErrorContains(t, err, "snapshot source")
	})
	t.Run("requires group store", func(t *testing.T) {
		_, err := NewServer(Config{}, Deps{Source: &Source{}})
		assert.ErrorContains(t, err, "group store")
	})
	t.Run("defaults", func(t *testing.T) {
		srv, err := NewServer(Config{Port: 9000}, Deps{Source: &Source{}, Groups: groups.NewCSVStore("x.csv")})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", srv.Address())
		assert.Equal(t, 10*time.Second, srv.config.ShutdownTimeout)
	})
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleDirectory(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"no filters", "", []string{"1000000001", "1000000002", "1000000003", "1000000004"}},
		{"taxonomy", "taxonomy=3336C0003X", []string{"1000000001", "1000000003"}},
		{"taxonomy repeated", "taxonomy=3336C0003X&taxonomy=333600000X", []string{"1000000001", "1000000003", "1000000004"}},
		{"state", "state=MI", []string{"1000000003", "1000000004"}},
		{"taxonomy and state", "taxonomy=3336C0003X&state=OH", []string{"1000000001"}},
		{"search legal name", "q=buckeye", []string{"1000000002"}},
		{"search alternate name", "q=" + url.QueryEscape("corner"), []string{"1000000001"}},
		{"search is case-insensitive", "q=PHARMACY", []string{"1000000001", "1000000004"}},
		{"search is literal", "q=" + url.QueryEscape("r.x"), nil},
		{"blank search ignored", "q=" + url.QueryEscape("   "), []string{"1000000001", "1000000002", "1000000003", "1000000004"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/directory?"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp DirectoryResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "npi_pharmacies_2024-03-05.csv", resp.Snapshot)
			assert.Equal(t, 4, resp.Total)

			var got []string
			for _, r := range resp.Rows {
				got = append(got, r.NPI)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), resp.Count)
		})
	}
}

func TestHandleDirectory_MissingSnapshot(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/v1/directory", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")

	rec = env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "npi_pharmacies_2024-03-05.csv")
	assert.NotContains(t, rec.Body.String(), "Filter Pharmacies", "nothing renders past the error")

	env.logger.AssertLogged(t, zap.WarnLevel, "snapshot unavailable")
}

func TestSource_Latest(t *testing.T) {
	dir := t.TempDir()
	older := []nppes.DirectoryRow{{NPI: "1"}}
	newer := []nppes.DirectoryRow{{NPI: "1"}, {NPI: "2"}}
	require.NoError(t, directory.Write(filepath.Join(dir, "npi_pharmacies_2024-01-01.csv"), older))
	require.NoError(t, directory.Write(filepath.Join(dir, "npi_pharmacies_2024-02-01.csv"), newer))

	src := &Source{Dir: dir, Mode: SnapshotLatest, Cache: NewCache(nil), Now: func() time.Time { return today }}
	snap, rows, err := src.Load()
	require.NoError(t, err)
	assert.Equal(t, "npi_pharmacies_2024-02-01.csv", filepath.Base(snap.Path))
	assert.Len(t, rows, 2)

	src.Mode = SnapshotToday
	_, _, err = src.Load()
	assert.ErrorIs(t, err, directory.ErrNotFound)

	src.Mode = "yesterday"
	_, _, err = src.Load()
	assert.Error(t, err)
}

func TestHandleOptions(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/api/v1/directory/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var opts Options
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	assert.Equal(t, []string{"333600000X", "3336C0003X", "3336C0004X"}, opts.Taxonomy)
	assert.Equal(t, []string{"MI", "OH"}, opts.States)
}

func TestHandleExportCSV(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/api/v1/directory/export.csv?state=OH", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, `attachment; filename="filtered_pharmacies_2024-03-05.csv"`, rec.Header().Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(nppes.DisplayHeader(), ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1000000001,"))
}

func TestHandleExportXLSX(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/api/v1/directory/export.xlsx?taxonomy=3336C0003X", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mimeXLSX, rec.Header().Get("Content-Type"))

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Pharmacy Name", rows[0][2])
	assert.Equal(t, "1000000001", rows[1][0])
	assert.Equal(t, "Corner Drug", rows[1][2])
	assert.Equal(t, "1000000003", rows[2][0])
}

func TestHandleIndex(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/?state=MI", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "Results: 2 pharmacies found")
	assert.Contains(t, body, "Harbor PHARMACY")
	assert.NotContains(t, body, "Corner Drug")
	assert.Contains(t, body, "/api/v1/directory/export.csv?state=MI")

	rec = env.do(t, http.MethodGet, "/?q=nothing-matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No pharmacies match the selected filters.")
}

func TestGroupsAPI(t *testing.T) {
	env := newTestEnv(t, true)

	// Missing registry file means no groups yet.
	rec := env.do(t, http.MethodGet, "/api/v1/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list GroupsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Assignments)

	rec = env.do(t, http.MethodPost, "/api/v1/groups", AddGroupRequest{
		Group: "Network A", NPIs: []string{"1000000001", "1000000003"},
		StartDate: "2024-01-01", EndDate: "2024-12-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rows, err := env.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Corner Drug", rows[0].PharmacyName, "alternate name is preferred")
	assert.Equal(t, "Lake Rx", rows[1].PharmacyName, "legal name is the fallback")

	rec = env.do(t, http.MethodPatch, "/api/v1/groups/dates", UpdateDatesRequest{
		NPIs: []string{"1000000003"}, StartDate: "2025-01-01", EndDate: "2025-06-30",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mut MutationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mut))
	assert.Equal(t, 1, mut.Rows)

	rows, err = env.store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-12-31", rows[0].EndDate)
	assert.Equal(t, "2025-06-30", rows[1].EndDate)

	rec = env.do(t, http.MethodGet, "/api/v1/groups/export.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Group Name,NPI,Pharmacy Name,Start Date,End Date")
	assert.Contains(t, rec.Body.String(), "Network A,1000000003,Lake Rx,2025-01-01,2025-06-30")

	rec = env.do(t, http.MethodDelete, "/api/v1/groups", NPIsRequest{NPIs: []string{"1000000001"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/groups?group=Network+A", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "1000000003", list.Assignments[0].NPI)
}

func TestGroupsAPI_Errors(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"no selection", http.MethodPost, "/api/v1/groups", AddGroupRequest{Group: "G"}, http.StatusBadRequest},
		{"unknown npi", http.MethodPost, "/api/v1/groups", AddGroupRequest{Group: "G", NPIs: []string{"999"}}, http.StatusBadRequest},
		{"missing group name", http.MethodPost, "/api/v1/groups", AddGroupRequest{NPIs: []string{"1000000001"}}, http.StatusBadRequest},
		{"start after end", http.MethodPost, "/api/v1/groups", AddGroupRequest{Group: "G", NPIs: []string{"1000000001"}, StartDate: "2024-02-01", EndDate: "2024-01-01"}, http.StatusBadRequest},
		{"bad dates on edit", http.MethodPatch, "/api/v1/groups/dates", UpdateDatesRequest{NPIs: []string{"1"}, StartDate: "soon"}, http.StatusBadRequest},
		{"empty delete", http.MethodDelete, "/api/v1/groups", NPIsRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rows, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGroupForms(t *testing.T) {
	env := newTestEnv(t, true)

	form := url.Values{
		"npi":    {"1000000002"},
		"group":  {"Compounders"},
		"return": {"state=OH"},
	}
	req := httptest.NewRequest(http.MethodPost, "/groups/add", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/?state=OH", rec.Header().Get("Location"))

	rows, err := env.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Buckeye Compounding", rows[0].PharmacyName)

	form = url.Values{"npi": {"1000000002"}}
	req = httptest.NewRequest(http.MethodPost, "/groups/delete", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	env.server.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rows, err = env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	env.do(t, http.MethodGet, "/api/v1/directory", nil)
	env.do(t, http.MethodGet, "/api/v1/directory", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.CacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.CacheHitsTotal))

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pharmadir_dashboard_cache_hits_total 1")
}

func TestRequestLogging(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	env.server.Echo().ServeHTTP(httptest.NewRecorder(), req)

	env.logger.AssertLogged(t, zap.InfoLevel, "http request")
	env.logger.AssertField(t, "http request", "request.id", "req-123")
	env.logger.AssertField(t, "http request", "status", int64(http.StatusOK))
}

func TestCache(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := NewCache(m)

	calls := 0
	load := func(string) ([]nppes.DirectoryRow, error) {
		calls++
		return []nppes.DirectoryRow{{NPI: "1"}}, nil
	}

	rows, err := c.Get("/data/a.csv", load)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	_, err = c.Get("/data/./a.csv", load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "paths are cleaned before lookup")

	assert.True(t, c.Evict("/data/a.csv"))
	assert.False(t, c.Evict("/data/a.csv"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions))

	_, err = c.Get("/data/a.csv", load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = c.Get("/data/b.csv", func(string) ([]nppes.DirectoryRow, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, 1, c.Len(), "errors are not cached")
}

func TestWatcher_EvictsRewrittenSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npi_pharmacies_2024-03-05.csv")
	require.NoError(t, directory.Write(path, sampleRows[:1]))

	c := NewCache(nil)
	_, err := c.Get(path, directory.Load)
	require.NoError(t, err)

	w, err := NewWatcher(dir, c, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, directory.Write(path, sampleRows))

	assert.Eventually(t, func() bool { return c.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	rows, err := c.Get(path, directory.Load)
	require.NoError(t, err)
	assert.Len(t, rows, len(sampleRows))
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	env := newTestEnv(t, true)

	srv, err := NewServer(Config{}, Deps{
		Source:      env.server.source,
		Groups:      env.store,
		HTTPMetrics: NewHTTPMetricsWithProvider(mp, nil),
		Gatherer:    env.reg,
	})
	require.NoError(t, err)

	for _, target := range []string{"/health", "/api/v1/directory", "/nope"} {
		srv.Echo().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name != "pharmadir.http.requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			statuses := map[int64]bool{}
			for _, dp := range sum.DataPoints {
				total += dp.Value
				if v, ok := dp.Attributes.Value("status"); ok {
					statuses[v.AsInt64()] = true
				}
			}
			assert.Equal(t, int64(3), total)
			assert.True(t, statuses[http.StatusNotFound], "error responses are recorded with their final status")
		}
	}
	assert.True(t, found["pharmadir.http.requests_total"])
	assert.True(t, found["pharmadir.http.request_duration_seconds"])
	assert.True(t, found["pharmadir.http.response_size_bytes"])
}

func TestParseQuery(t *testing.T) {
	q := ParseQuery(url.Values{"taxonomy": {"A,B", " C "}, "state": {""}, "q": {"x"}})
	assert.Equal(t, []string{"A", "B", "C"}, q.Taxonomy)
	assert.Empty(t, q.States)
	assert.Equal(t, "x", q.Search)
}

func TestWriteCSV_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, strings.Join(nppes.DisplayHeader(), ",")+"\n", buf.String())
}

func TestExportName(t *testing.T) {
	assert.Equal(t, "filtered_pharmacies_2024-03-05.xlsx", ExportName(today, "xlsx"))
}
