// Package fetchbars downloads binance klines into the daily CSV layout the
// backtest gateway replays: <KLINE_DIR>/<code>/YYYY-MM-DD.csv.
package fetchbars

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeharness/src/gateway/backtest"
	"tradeharness/src/utils"
)

const (
	Duration1m = "1m"
	Duration1h = "1h"

	fileDateLayout = "2006-01-02"
	rowTimeLayout  = "2006-01-02 15:04:05"
)

var header = []string{"time", "open", "high", "low", "close", "volume"}

type FetchBars struct {
	Log      *logger.Entry
	Config   *Config
	exchange goex.API
	loc      *time.Location
}

func (o *FetchBars) Start() error {
	if o.Config == nil {
		o.Config = GetConfig()
	}
	if o.Log == nil {
		o.Log = logger.WithField("cmd", "fetch_bars")
	}
	if err := o.init(); err != nil {
		return err
	}
	if o.exchange == nil {
		o.exchange = o.newBinanceInstance()
	}

	if o.Config.AutoMode {
		if err := o.determineStartPoint(); err != nil {
			return err
		}
	}

	return o.aggregateAndSave()
}

func (o *FetchBars) init() error {
	loc, err := time.LoadLocation(o.Config.Timezone)
	if err != nil {
		return fmt.Errorf("FETCH_TIMEZONE: %w", err)
	}
	o.loc = loc
	if _, err := o.parseDuration(); err != nil {
		return err
	}
	if o.Config.Limit <= 0 {
		o.Config.Limit = 1000
	}
	return nil
}

func (*FetchBars) newBinanceInstance() *binance.Binance {
	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}
	return binance.NewWithConfig(apiConfig)
}

// aggregateAndSave pages through [StartDt, EndDt] and merges every page into
// the day files. Rows already on disk are replaced by the downloaded ones.
func (o *FetchBars) aggregateAndSave() error {
	step, _ := o.parseDuration()
	cursor := o.Config.StartDt
	total := 0
	for cursor.Before(o.Config.EndDt) {
		series, err := o.fetchOHLCVSeries(cursor, o.Config.EndDt)
		if err != nil {
			return err
		}
		if len(series) == 0 {
			break
		}
		if err := o.save(series); err != nil {
			return err
		}
		total += len(series)

		last := time.Unix(series[len(series)-1].Timestamp, 0)
		next := last.Add(step)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	o.Log.WithFields(logger.Fields{
		"Code":  o.Config.code(),
		"Bars":  total,
		"Start": o.Config.StartDt.String(),
		"End":   o.Config.EndDt.String(),
	}).Info("OHLCV bars written")
	return nil
}

func (o *FetchBars) fetchOHLCVSeries(start, end time.Time) ([]goex.Kline, error) {
	targetSymbol := goex.NewCurrencyPair(goex.Currency{Symbol: o.Config.Symbol}, goex.Currency{Symbol: o.Config.Quote})

	const millis = 1000
	period, _ := o.parseDurationToGoex()
	klines, err := o.exchange.GetKlineRecords(
		targetSymbol,
		period,
		o.Config.Limit,
		goex.OptionalParameter{}.
			Optional("startTime", start.Unix()*millis).
			Optional("endTime", end.Unix()*millis),
	)
	if err != nil {
		return nil, err
	}
	return klines, nil
}

// save groups klines by local day and merges them into the day files.
func (o *FetchBars) save(series []goex.Kline) error {
	byDay := make(map[string]map[string][]string)
	for _, k := range series {
		at := utils.ResetTime(time.Unix(k.Timestamp, 0).In(o.loc), "minute")
		day := at.Format(fileDateLayout)
		if byDay[day] == nil {
			byDay[day] = make(map[string][]string)
		}
		key := at.Format(rowTimeLayout)
		byDay[day][key] = []string{
			key,
			decimal.NewFromFloat(k.Open).String(),
			decimal.NewFromFloat(k.High).String(),
			decimal.NewFromFloat(k.Low).String(),
			decimal.NewFromFloat(k.Close).String(),
			decimal.NewFromFloat(k.Vol).String(),
		}
	}

	dir := filepath.Join(o.Config.KlineDir, o.Config.code())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for day, rows := range byDay {
		path := filepath.Join(dir, day+".csv")
		existing, err := readRows(path)
		if err != nil {
			return err
		}
		for k, v := range rows {
			existing[k] = v
		}
		if err := writeRows(path, existing); err != nil {
			return err
		}
	}
	return nil
}

// determineStartPoint resumes one interval before the newest bar on disk so
// the last, possibly partial, bar is refreshed.
func (o *FetchBars) determineStartPoint() error {
	step, _ := o.parseDuration()
	o.Config.EndDt = time.Now()

	latest, err := o.latestBarTime()
	if err != nil {
		o.Log.WithError(err).Error("Failed to read existing bars")
		return err
	}
	if latest.IsZero() {
		o.Log.
			WithField("StartDt", o.Config.StartDt.String()).
			WithField("EndDt", o.Config.EndDt.String()).
			Warn("no bars on disk, start from the configured StartDt")
		return nil
	}
	o.Config.StartDt = latest.Add(-step)
	o.Log.
		WithField("StartDt", o.Config.StartDt.String()).
		WithField("EndDt", o.Config.EndDt.String()).
		Info("determineStartPoint valid date found")
	return nil
}

func (o *FetchBars) latestBarTime() (time.Time, error) {
	dir := filepath.Join(o.Config.KlineDir, o.Config.code())
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		if _, err := time.Parse(fileDateLayout, strings.TrimSuffix(name, ".csv")); err == nil {
			days = append(days, name)
		}
	}
	if len(days) == 0 {
		return time.Time{}, nil
	}
	sort.Strings(days)
	rows, err := readRows(filepath.Join(dir, days[len(days)-1]))
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for k := range rows {
		t, err := backtest.ParseBarTime(k, o.loc)
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

func (o *FetchBars) parseDuration() (time.Duration, error) {
	switch o.Config.DurationStr {
	case Duration1m:
		return time.Minute, nil
	case Duration1h:
		return time.Hour, nil
	}
	return 0, fmt.Errorf("invalid DURATION %q", o.Config.DurationStr)
}

func (o *FetchBars) parseDurationToGoex() (goex.KlinePeriod, error) {
	switch o.Config.DurationStr {
	case Duration1m:
		return goex.KLINE_PERIOD_1MIN, nil
	case Duration1h:
		return goex.KLINE_PERIOD_1H, nil
	}
	return 0, fmt.Errorf("invalid DURATION %q", o.Config.DurationStr)
}

// readRows loads a day file keyed by its time column. A missing file is empty.
func readRows(path string) (map[string][]string, error) {
	out := make(map[string][]string)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i, rec := range records {
		if i == 0 || len(rec) != len(header) {
			continue
		}
		out[rec[0]] = rec
	}
	return out, nil
}

func writeRows(path string, rows map[string][]string) error {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	for _, k := range keys {
		if err := w.Write(rows[k]); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
