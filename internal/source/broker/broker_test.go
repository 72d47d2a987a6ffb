package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fxcanon/internal/market"
	"fxcanon/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func rate(ts time.Time, bid float64) string {
	return fmt.Sprintf(`{"time":%d,"bid":{"o":%v,"h":%v,"l":%v,"c":%v},"ask":{"o":%v,"h":%v,"l":%v,"c":%v},"tick_volume":10}`,
		ts.Unix(), bid, bid+0.01, bid-0.01, bid, bid+0.002, bid+0.012, bid-0.008, bid+0.002)
}

func payload(symbol string, earliest int64, rates ...string) string {
	return fmt.Sprintf(`{"symbol":%q,"timeframe":"M1","earliest":%d,"rates":[%s]}`, symbol, earliest, strings.Join(rates, ","))
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newSource(t *testing.T, srv *httptest.Server, zone string) *Source {
	t.Helper()
	src, err := New(Config{BaseURL: srv.URL, Suffix: ".m", ServerZone: zone, Timeout: time.Second})
	require.NoError(t, err)
	return src
}

func req(start time.Time, n int) source.FetchRequest {
	return source.FetchRequest{
		Instrument: "USD/JPY",
		Timeframe:  market.MustTimeframe("1m"),
		Range:      market.Range{Start: start.UnixMilli(), End: start.Add(time.Duration(n) * time.Minute).UnixMilli()},
	}
}

func TestFetchMergesBidAsk(t *testing.T) {
	var query string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(payload("USDJPY.m", 0, rate(base, 150.0), rate(base.Add(time.Minute), 150.1))))
	})
	src := newSource(t, srv, "")

	seg, err := src.Fetch(context.Background(), req(base, 2))
	require.NoError(t, err)
	assert.Contains(t, query, "symbol=USDJPY.m")
	assert.Contains(t, query, "timeframe=M1")
	require.Len(t, seg.Candles, 2)
	c := seg.Candles[0]
	assert.Equal(t, market.ProvenanceBroker, c.Provenance)
	assert.Equal(t, "USDJPY", c.Instrument)
	assert.InDelta(t, 150.001, c.Open, 1e-9)
	require.NotNil(t, c.Bid)
	assert.InDelta(t, 150.0, c.Bid.Open, 1e-9)
}

func TestFetchServerZone(t *testing.T) {
	// 终端时间 = 雅典本地时间（3 月为 UTC+2）
	serverTime := base.Add(2 * time.Hour)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload("USDJPY.m", 0, rate(serverTime, 150.0))))
	})
	src := newSource(t, srv, "Europe/Athens")

	seg, err := src.Fetch(context.Background(), req(base, 1))
	require.NoError(t, err)
	require.Len(t, seg.Candles, 1)
	assert.Equal(t, base.UnixMilli(), seg.Candles[0].OpenTime)
}

func TestFetchUnavailable(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := newSource(t, srv, "").Fetch(context.Background(), req(base, 1))
	assert.ErrorIs(t, err, market.ErrSourceUnavailable)
	assert.True(t, market.Retryable(err))
}

func TestFetchTimeoutIsUnavailable(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	seg, err := newSource(t, srv, "").Fetch(ctx, req(base, 1))
	assert.ErrorIs(t, err, market.ErrSourceUnavailable)
	assert.Empty(t, seg.Candles)
}

func TestFetchRejectsSchemaViolation(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"symbol":"USDJPY.m","timeframe":"M1","rates":[{"time":%d,"bid":{"o":1,"h":1,"l":1,"c":1}}]}`, base.Unix())
	})
	_, err := newSource(t, srv, "").Fetch(context.Background(), req(base, 1))
	assert.ErrorIs(t, err, market.ErrMalformedRecord)
}

func TestFetchRejectsOffGrid(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload("USDJPY.m", 0, rate(base.Add(30*time.Second), 150.0))))
	})
	_, err := newSource(t, srv, "").Fetch(context.Background(), req(base, 1))
	assert.ErrorIs(t, err, market.ErrMalformedRecord)
}

func TestFetchRetentionBoundary(t *testing.T) {
	earliest := base.Add(2 * time.Minute)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload("USDJPY.m", earliest.Unix(), rate(earliest, 150.0))))
	})
	src := newSource(t, srv, "")

	seg, err := src.Fetch(context.Background(), req(base, 3))
	assert.ErrorIs(t, err, market.ErrSourceExhausted)
	boundary, ok := market.ExhaustedBoundary(err)
	require.True(t, ok)
	assert.Equal(t, earliest.UnixMilli(), boundary)
	assert.Equal(t, earliest.UnixMilli(), seg.Start)
	assert.Len(t, seg.Candles, 1)

	seg, err = src.Fetch(context.Background(), req(base, 2))
	assert.ErrorIs(t, err, market.ErrSourceExhausted)
	assert.True(t, seg.Empty())
}

func TestFetchReportsBothRetentionEdges(t *testing.T) {
	earliest := base.Add(2 * time.Minute)
	latest := base.Add(3 * time.Minute)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		body := fmt.Sprintf(`{"symbol":"USDJPY.m","timeframe":"M1","earliest":%d,"latest":%d,"rates":[%s,%s]}`,
			earliest.Unix(), latest.Unix(), rate(earliest, 150.0), rate(latest, 150.1))
		_, _ = w.Write([]byte(body))
	})
	src := newSource(t, srv, "")

	seg, err := src.Fetch(context.Background(), req(base, 10))
	assert.ErrorIs(t, err, market.ErrSourceExhausted)
	span, ok := market.ExhaustedSpan(err)
	require.True(t, ok)
	assert.Equal(t, market.Range{Start: earliest.UnixMilli(), End: latest.Add(time.Minute).UnixMilli()}, span)
	assert.Equal(t, span.Start, seg.Start)
	assert.Equal(t, span.End, seg.End)
	assert.Len(t, seg.Candles, 2)
}

func TestFetchSymbolMismatch(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload("EURUSD.m", 0)))
	})
	_, err := newSource(t, srv, "").Fetch(context.Background(), req(base, 1))
	assert.ErrorIs(t, err, market.ErrMalformedRecord)
}
