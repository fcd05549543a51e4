package fetchbars

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func setupMockBinanceServer() *httptest.Server {
	handler := http.NewServeMux()
	handler.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte(`[
			[1499040000000, "0.01634790", "0.80000000", "0.01575800", "0.01577100", "148976.11427815", 1499644799999, "2434.19055334", 308, "1756.87402397", "28.46694368", "17928899.62484339"]
		]`))
		if err != nil {
			return
		}
	})
	return httptest.NewServer(handler)
}

func newMocked(t *testing.T, server *httptest.Server, config *Config) *FetchBars {
	t.Helper()
	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   server.URL,
	}
	f := &FetchBars{
		Log:      logrus.NewEntry(logrus.New()),
		Config:   config,
		exchange: binance.NewWithConfig(apiConfig),
	}
	require.NoError(t, f.init())
	return f
}

func TestFetchBars_fetchOHLCVSeries(t *testing.T) {
	server := setupMockBinanceServer()
	defer server.Close()

	f := newMocked(t, server, &Config{
		Symbol:      "BTC",
		Quote:       "USDT",
		StartDt:     time.Now().Add(-24 * time.Hour),
		EndDt:       time.Now(),
		DurationStr: Duration1h,
		Timezone:    "UTC",
	})

	klines, err := f.fetchOHLCVSeries(f.Config.StartDt, f.Config.EndDt)
	require.NoError(t, err)
	require.Len(t, klines, 1, "Should fetch exactly one OHLCV record")
	require.InDelta(t, 0.01634790, klines[0].Open, 0, "Open price should match")
}

func TestFetchBars_aggregateAndSave(t *testing.T) {
	server := setupMockBinanceServer()
	defer server.Close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "BTCUSDT", "2017-07-03.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, []byte(
		"time,open,high,low,close,volume\n"+
			"2017-07-03 00:00:00,1,1,1,1,1\n"+
			"2017-07-03 01:00:00,2,2,2,2,2\n"), 0o644))

	f := newMocked(t, server, &Config{
		Symbol:      "BTC",
		Quote:       "USDT",
		StartDt:     time.Date(2017, 7, 3, 0, 0, 0, 0, time.UTC),
		EndDt:       time.Date(2017, 7, 4, 0, 0, 0, 0, time.UTC),
		DurationStr: Duration1h,
		Limit:       1000,
		KlineDir:    dir,
		Timezone:    "UTC",
	})

	require.NoError(t, f.aggregateAndSave())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, []string{
		"time,open,high,low,close,volume",
		"2017-07-03 00:00:00,0.0163479,0.8,0.015758,0.015771,148976.11427815",
		"2017-07-03 01:00:00,2,2,2,2,2",
	}, lines)
}

func TestFetchBars_determineStartPoint(t *testing.T) {
	dir := t.TempDir()
	code := filepath.Join(dir, "BTCUSDT")
	require.NoError(t, os.MkdirAll(code, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(code, "2017-07-02.csv"), []byte(
		"time,open,high,low,close,volume\n2017-07-02 23:00:00,1,1,1,1,1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(code, "2017-07-03.csv"), []byte(
		"time,open,high,low,close,volume\n2017-07-03 04:00:00,1,1,1,1,1\n2017-07-03 03:00:00,1,1,1,1,1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(code, "notes.txt"), []byte("x"), 0o644))

	f := &FetchBars{
		Log: logrus.NewEntry(logrus.New()),
		Config: &Config{
			Symbol:      "BTC",
			Quote:       "USDT",
			DurationStr: Duration1h,
			KlineDir:    dir,
			Timezone:    "UTC",
		},
	}
	require.NoError(t, f.init())

	require.NoError(t, f.determineStartPoint())
	require.Equal(t, time.Date(2017, 7, 3, 3, 0, 0, 0, time.UTC), f.Config.StartDt)
	require.WithinDuration(t, time.Now(), f.Config.EndDt, time.Minute)
}

func TestFetchBars_determineStartPointEmptyDir(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &FetchBars{
		Log: logrus.NewEntry(logrus.New()),
		Config: &Config{
			Code:        "BTC-PERP",
			StartDt:     start,
			DurationStr: Duration1m,
			KlineDir:    t.TempDir(),
			Timezone:    "UTC",
		},
	}
	require.NoError(t, f.init())
	require.NoError(t, f.determineStartPoint())
	require.Equal(t, start, f.Config.StartDt)
}

func TestFetchBars_parseDuration(t *testing.T) {
	tests := []struct {
		durationStr string
		expected    time.Duration
		wantErr     bool
	}{
		{"1m", time.Minute, false},
		{"1h", time.Hour, false},
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.durationStr, func(t *testing.T) {
			f := FetchBars{Config: &Config{DurationStr: tt.durationStr}}
			got, err := f.parseDuration()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestFetchBars_parseDurationToGoex(t *testing.T) {
	tests := []struct {
		durationStr string
		expected    goex.KlinePeriod
		wantErr     bool
	}{
		{"1m", goex.KLINE_PERIOD_1MIN, false},
		{"1h", goex.KLINE_PERIOD_1H, false},
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.durationStr, func(t *testing.T) {
			f := FetchBars{Config: &Config{DurationStr: tt.durationStr}}
			got, err := f.parseDurationToGoex()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestConfigCode(t *testing.T) {
	require.Equal(t, "BTCUSDT", (&Config{Symbol: "BTC", Quote: "USDT"}).code())
	require.Equal(t, "X", (&Config{Symbol: "BTC", Quote: "USDT", Code: "X"}).code())
}
