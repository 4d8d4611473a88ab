package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/quotefeed/internal/config"
	"github.com/Aidin1998/quotefeed/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/quotefeed/internal/marketdata"
	"github.com/Aidin1998/quotefeed/internal/marketfeeds"
	"github.com/Aidin1998/quotefeed/internal/persistence"
	"github.com/Aidin1998/quotefeed/internal/ws"
	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeConnections map[string]ws.ConnectionState

func (f fakeConnections) ConnectionStates() map[string]ws.ConnectionState { return f }

type fakeBackend struct{ err error }

func (f fakeBackend) Ping(context.Context) error { return f.err }

var barStart = time.Date(2024, 5, 6, 13, 30, 0, 0, time.UTC)

type fixture struct {
	srv     *Server
	engine  *marketdata.Engine
	limiter *ratelimit.RateLimiter
}

func newFixture(t *testing.T, conns fakeConnections, withArchive bool) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	engine := marketdata.NewEngine(marketdata.DefaultConfig(), logger, marketdata.WithRegisterer(reg))
	t.Cleanup(func() { _ = engine.Close() })
	for i, price := range []float64{150.1, 150.4, 150.2} {
		require.NoError(t, engine.AddDataPoint(models.DataPoint{
			Symbol:    "AAPL",
			Timestamp: barStart.Add(time.Duration(i) * time.Second),
			Price:     price,
			Volume:    10,
		}))
	}
	engine.Flush()

	agg := marketfeeds.NewAggregator(marketfeeds.Config{Sources: []marketfeeds.SourceConfig{
		marketfeeds.DefaultSourceConfig("alpha"),
		marketfeeds.DefaultSourceConfig("beta"),
	}}, logger, marketfeeds.WithRegisterer(reg))
	for _, tick := range []models.Tick{
		{Symbol: "AAPL", Source: "alpha", Bid: models.Float(150), Ask: models.Float(150.2), Price: models.Float(150.1), Volume: models.Float(100), Timestamp: time.Now()},
		{Symbol: "MSFT", Source: "beta", Bid: models.Float(410), Ask: models.Float(410.5), Price: models.Float(410.2), Volume: models.Float(50), Timestamp: time.Now()},
	} {
		_, _, err := agg.AddTick(tick)
		require.NoError(t, err)
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig(), logger, ratelimit.WithRegisterer(reg))
	t.Cleanup(func() { _ = limiter.Close() })

	deps := Deps{
		Quotes:   agg,
		Bars:     engine,
		Limits:   limiter,
		Gatherer: reg,
	}
	if conns != nil {
		deps.Connections = conns
	}
	if withArchive {
		archive, err := persistence.OpenBarArchive(persistence.ArchiveConfig{}, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = archive.Close() })
		require.NoError(t, archive.Archive("AAPL", []models.CompressedBar{
			{Symbol: "AAPL", WindowStart: barStart.Add(-time.Hour), Open: 149, High: 149, Low: 149, Close: 149, TradeCount: 1},
		}))
		deps.Archive = archive
	}

	return &fixture{
		srv:     New(config.Default().Server, deps, logger),
		engine:  engine,
		limiter: limiter,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestQuotes(t *testing.T) {
	f := newFixture(t, nil, false)

	rec := f.get(t, "/api/v1/quotes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, decode(t, rec)["count"])

	rec = f.get(t, "/api/v1/quotes/aapl")
	require.Equal(t, http.StatusOK, rec.Code)
	var q models.AggregatedQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 150.0, q.BestBid)
	assert.Equal(t, 150.2, q.BestAsk)
	assert.Equal(t, 1, q.SourceCount)
}

func TestUnknownSymbolSuggestions(t *testing.T) {
	f := newFixture(t, nil, false)

	rec := f.get(t, "/api/v1/quotes/APPL")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	assert.Equal(t, 404.0, body["status"])
	assert.Equal(t, "Not Found", body["title"])
	assert.Equal(t, "/api/v1/quotes/APPL", body["instance"])
	assert.Equal(t, []any{"AAPL"}, body["suggestions"])

	rec = f.get(t, "/api/v1/bars/ZZZZZZZZ")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, decode(t, rec), "suggestions")
}

func TestSuggest(t *testing.T) {
	candidates := []string{"AAPL", "AAP", "MSFT", "BTC-USD", "ETH-USD"}
	assert.Equal(t, []string{"AAPL", "AAP"}, suggest("APPL", candidates))
	assert.Equal(t, []string{"BTC-USD"}, suggest("BTC-USDT", candidates))
	assert.Empty(t, suggest("NVDA", candidates))
	assert.Equal(t, []string{"btcusdt"}, suggest("BTCUSD", []string{"btcusdt", "ethusdt"}), "case is ignored")
}

func TestSymbolsKeepSourceCase(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	engine := marketdata.NewEngine(marketdata.DefaultConfig(), logger, marketdata.WithRegisterer(reg))
	t.Cleanup(func() { _ = engine.Close() })
	agg := marketfeeds.NewAggregator(marketfeeds.Config{Sources: []marketfeeds.SourceConfig{
		marketfeeds.DefaultSourceConfig("binance"),
	}}, logger, marketfeeds.WithRegisterer(reg), marketfeeds.WithSink(engine))
	_, _, err := agg.AddTick(models.Tick{
		Symbol: "btcusdt", Source: "binance",
		Bid: models.Float(64000), Ask: models.Float(64001), Price: models.Float(64000.5), Volume: models.Float(2),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	f := &fixture{srv: New(config.Default().Server, Deps{Quotes: agg, Bars: engine, Gatherer: reg}, logger)}

	for _, path := range []string{"/api/v1/quotes/btcusdt", "/api/v1/quotes/BTCUSDT"} {
		rec := f.get(t, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "btcusdt", decode(t, rec)["symbol"], path)
	}

	rec := f.get(t, "/api/v1/bars/btcusdt?kind=raw")
	require.Equal(t, http.StatusOK, rec.Code)
	var series marketdata.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Len(t, series.Raw, 1)

	rec = f.get(t, "/api/v1/quotes/btc$usdt")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.TypeInvalidSymbol, decode(t, rec)["type"])
}

func TestResolveSymbol(t *testing.T) {
	known := []string{"AAPL", "btcusdt", "Foo", "FOO"}
	assert.Equal(t, "AAPL", resolveSymbol("aapl", known))
	assert.Equal(t, "btcusdt", resolveSymbol("BTCUSDT", known))
	assert.Equal(t, "FOO", resolveSymbol("FOO", known), "exact match wins")
	assert.Equal(t, "foo", resolveSymbol("foo", known), "ambiguous input is left alone")
	assert.Equal(t, "NVDA", resolveSymbol("NVDA", known))
}

func TestBars(t *testing.T) {
	f := newFixture(t, nil, false)

	rec := f.get(t, "/api/v1/bars/AAPL")
	require.Equal(t, http.StatusOK, rec.Code)
	var series marketdata.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Equal(t, marketdata.KindCompressed, series.Kind)
	assert.Len(t, series.Bars, 3)

	from := barStart.Add(time.Second).UnixMilli()
	rec = f.get(t, "/api/v1/bars/AAPL?kind=raw&from="+strconv.FormatInt(from, 10)+"&to="+barStart.Add(5*time.Second).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Len(t, series.Raw, 2)

	for _, path := range []string{
		"/api/v1/bars/AAPL?kind=ticks",
		"/api/v1/bars/AAPL?from=yesterday",
		"/api/v1/bars/AAPL?from=2000&to=1000",
	} {
		rec = f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t, nil, false)

	rec := f.get(t, "/api/v1/bars/AAPL/export?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="AAPL.csv"`)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "timestamp,open,high,low,close,volume,tradeCount", lines[0])

	rec = f.get(t, "/api/v1/bars/AAPL/export")
	require.Equal(t, http.StatusOK, rec.Code)
	var bars []models.CompressedBar
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bars))
	assert.Len(t, bars, 3)

	rec = f.get(t, "/api/v1/bars/AAPL/export?format=xml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchive(t *testing.T) {
	rec := newFixture(t, nil, false).get(t, "/api/v1/archive/AAPL")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f := newFixture(t, nil, true)
	rec = f.get(t, "/api/v1/archive/aapl")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Symbol string                 `json:"symbol"`
		Bars   []models.CompressedBar `json:"bars"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AAPL", body.Symbol)
	require.Len(t, body.Bars, 1)
	assert.Equal(t, 149.0, body.Bars[0].Close)

	rec = f.get(t, "/api/v1/archive/AAPL?from="+barStart.Format(time.RFC3339))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Bars)
}

func TestSourcesAndHealth(t *testing.T) {
	conns := fakeConnections{"alpha": ws.StateConnected, "beta": ws.StateReconnecting}
	f := newFixture(t, conns, false)

	rec := f.get(t, "/api/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sources []struct {
			Name  string                  `json:"name"`
			State string                  `json:"state"`
			Stats marketfeeds.SourceStats `json:"stats"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)
	byName := map[string]int{}
	for i, s := range body.Sources {
		byName[s.Name] = i
	}
	alpha := body.Sources[byName["alpha"]]
	assert.Equal(t, ws.StateConnected.String(), alpha.State)
	assert.Equal(t, int64(1), alpha.Stats.Accepted)

	rec = f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])

	conns["alpha"] = ws.StateDisconnected
	rec = f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decode(t, rec)["status"])

	rec = newFixture(t, nil, false).get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestHealthChecksDistribution(t *testing.T) {
	f := newFixture(t, fakeConnections{"alpha": ws.StateConnected}, false)

	f.srv.deps.Distribution = fakeBackend{}
	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["distribution"])

	f.srv.deps.Distribution = fakeBackend{err: errors.ConnectionError.Explain("redis down")}
	rec = f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["distribution"], "redis down")
}

func TestRateLimitStatus(t *testing.T) {
	f := newFixture(t, nil, false)
	require.False(t, f.limiter.RecordRequest("coinbase"))
	require.False(t, f.limiter.RecordRequest("coinbase"))

	rec := f.get(t, "/api/v1/ratelimit/coinbase")
	require.Equal(t, http.StatusOK, rec.Code)
	var status ratelimit.RateLimitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "coinbase", status.Provider)
	assert.Equal(t, 2, status.Current)
	assert.Equal(t, 98, status.Remaining)

	rec = f.get(t, "/api/v1/ratelimit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["providers"], "coinbase")
}

func TestMetricsAndNoRoute(t *testing.T) {
	f := newFixture(t, nil, false)

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quotefeed_")

	rec = f.get(t, "/api/v2/quotes")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
