package queryhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"fxcanon/internal/canonical"
	"fxcanon/internal/market"
	"fxcanon/internal/reconcile"
	"fxcanon/internal/store/runlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = int64(60_000)

var t0 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type fixture struct {
	server *Server
	runs   *runlog.Store
	runID  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := canonical.NewStore(filepath.Join(dir, "canonical"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	runs, err := runlog.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	entries := make([]reconcile.Entry, 0, 5)
	for i := 0; i < 5; i++ {
		ts := t0 + int64(i)*minute
		if i == 2 {
			entries = append(entries, reconcile.Entry{OpenTime: ts, Missing: reconcile.MissingUncovered})
			continue
		}
		c := market.Candle{Instrument: "EURUSD", Timeframe: "1m", OpenTime: ts, Open: 1.07, High: 1.071,
			Low: 1.069, Close: 1.0705, Provenance: market.ProvenanceVendor}
		entries = append(entries, reconcile.Entry{OpenTime: ts, Candle: &c, Provenance: market.ProvenanceVendor,
			Rule: reconcile.RuleSingleSource})
	}
	rng := market.Range{Start: t0, End: t0 + 5*minute}
	series := reconcile.Assemble("EURUSD", "1m", rng, entries, 0)

	run, err := runs.Start(ctx, "EURUSD", "1m", rng)
	require.NoError(t, err)
	_, err = store.Write(ctx, series, canonical.WriteOptions{RunID: run.ID})
	require.NoError(t, err)
	_, err = runs.Finish(ctx, run.ID, runlog.Outcome{Series: series})
	require.NoError(t, err)

	srv, err := NewServer(Config{Series: store, Runs: runs})
	require.NoError(t, err)
	return fixture{server: srv, runs: runs, runID: run.ID}
}

func get(t *testing.T, h http.Handler, url string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestSeriesEndpoint(t *testing.T) {
	f := newFixture(t)
	h := f.server.Handler()
	url := "/api/series?instrument=eur/usd&timeframe=M1&start=" + strconv.FormatInt(t0, 10) +
		"&end=2023-03-01T00:05:00Z"

	rec, body := get(t, h, url)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var series reconcile.Series
	require.NoError(t, json.Unmarshal(body["series"], &series))
	assert.Equal(t, "EURUSD", series.Instrument)
	assert.Equal(t, 1, series.Version)
	require.Len(t, series.Entries, 5)
	assert.True(t, series.Entries[2].IsMissing())
	assert.Equal(t, reconcile.MissingUncovered, series.Entries[2].Missing)
	assert.Equal(t, market.ProvenanceVendor, series.Entries[0].Provenance)

	var stats reconcile.Stats
	require.NoError(t, json.Unmarshal(body["stats"], &stats))
	assert.Equal(t, 1, stats.Missing)
	assert.Equal(t, 4, stats.ByProvenance[market.ProvenanceVendor])

	rec, body = get(t, h, url+"&compact=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "spans")
	assert.NotContains(t, body, "series")
}

func TestSeriesEndpointErrors(t *testing.T) {
	f := newFixture(t)
	h := f.server.Handler()
	start := strconv.FormatInt(t0, 10)
	end := strconv.FormatInt(t0+5*minute, 10)

	cases := map[string]struct {
		url  string
		code int
	}{
		"missing instrument": {"/api/series?timeframe=1m&start=" + start + "&end=" + end, http.StatusBadRequest},
		"bad timeframe":      {"/api/series?instrument=EURUSD&timeframe=2m&start=" + start + "&end=" + end, http.StatusBadRequest},
		"bad start":          {"/api/series?instrument=EURUSD&timeframe=1m&start=yesterday&end=" + end, http.StatusBadRequest},
		"empty range":        {"/api/series?instrument=EURUSD&timeframe=1m&start=" + end + "&end=" + start, http.StatusBadRequest},
		"unknown version":    {"/api/series?instrument=EURUSD&timeframe=1m&version=9&start=" + start + "&end=" + end, http.StatusBadRequest},
		"unknown series":     {"/api/series?instrument=USDJPY&timeframe=1m&start=" + start + "&end=" + end, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec, body := get(t, h, tc.url)
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, body, "error")
		})
	}
}

func TestManifestAndVersions(t *testing.T) {
	f := newFixture(t)
	h := f.server.Handler()

	rec, body := get(t, h, "/api/manifest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"instrument":"EURUSD","timeframe":"1m"}]`, string(body["series"]))

	rec, body = get(t, h, "/api/manifest?instrument=EURUSD&timeframe=1m")
	require.Equal(t, http.StatusOK, rec.Code)
	var blocks []canonical.Manifest
	require.NoError(t, json.Unmarshal(body["manifest"], &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "202303", blocks[0].Block)
	assert.Equal(t, 1, blocks[0].LatestVersion)

	rec, body = get(t, h, "/api/versions?instrument=EURUSD&timeframe=1m")
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []canonical.VersionInfo
	require.NoError(t, json.Unmarshal(body["versions"], &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, f.runID, versions[0].RunID)
}

func TestRunEndpoints(t *testing.T) {
	f := newFixture(t)
	h := f.server.Handler()

	rec, body := get(t, h, "/api/runs?instrument=EURUSD&timeframe=1m")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runlog.Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.StatusSucceeded, runs[0].Status)

	rec, body = get(t, h, "/api/runs/"+f.runID)
	require.Equal(t, http.StatusOK, rec.Code)
	var run runlog.Run
	require.NoError(t, json.Unmarshal(body["run"], &run))
	assert.Equal(t, 1, run.Missing)

	rec, _ = get(t, h, "/api/runs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, h, "/api/runs?timeframe=7m")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsDisabled(t *testing.T) {
	f := newFixture(t)
	srv, err := NewServer(Config{Series: f.server.series})
	require.NoError(t, err)
	rec, _ := get(t, srv.Handler(), "/api/runs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err = NewServer(Config{})
	assert.Error(t, err)
}
