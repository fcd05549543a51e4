package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/model"
)

const fileDateLayout = "2006-01-02"

// dayFile is one YYYY-MM-DD.csv of a security.
type dayFile struct {
	day  time.Time
	path string
}

// listDayFiles returns the daily files under dir whose date falls inside
// [from, to] (dates only), sorted by date. Zero bounds are open.
func listDayFiles(dir string, loc *time.Location, from, to time.Time) ([]dayFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []dayFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".csv") {
			continue
		}
		day, err := time.ParseInLocation(fileDateLayout, strings.TrimSuffix(name, filepath.Ext(name)), loc)
		if err != nil {
			continue
		}
		if !from.IsZero() && day.Before(dateOf(from.In(loc))) {
			continue
		}
		if !to.IsZero() && day.After(dateOf(to.In(loc))) {
			continue
		}
		out = append(out, dayFile{day: day, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out, nil
}

// barStream reads one security's files lazily, one day at a time.
type barStream struct {
	security model.Security
	files    []dayFile
	loc      *time.Location
	fileIdx  int
	buf      []model.Bar
	pos      int
	log      *logger.Entry
}

func newBarStream(sec model.Security, files []dayFile, loc *time.Location, log *logger.Entry) *barStream {
	return &barStream{security: sec, files: files, loc: loc, log: log}
}

// next returns the following bar, or false once every file is consumed.
func (s *barStream) next() (model.Bar, bool, error) {
	for s.pos >= len(s.buf) {
		if s.fileIdx >= len(s.files) {
			return model.Bar{}, false, nil
		}
		f := s.files[s.fileIdx]
		s.fileIdx++
		bars, err := readBarFile(f.path, s.security, s.loc, s.log)
		if err != nil {
			return model.Bar{}, false, err
		}
		s.buf, s.pos = bars, 0
	}
	b := s.buf[s.pos]
	s.pos++
	return b, true, nil
}

// readBarFile parses one daily file. Rows that fail to parse or violate the
// bar range invariant are skipped with a warning. The result is time sorted.
func readBarFile(path string, sec model.Security, loc *time.Location, log *logger.Entry) ([]model.Bar, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var bars []model.Bar
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			log.WithFields(map[string]interface{}{"op": "readBarFile", "file": path, "line": line}).WithError(err).Warn("Skipping unreadable row")
			continue
		}
		bar, err := parseRow(rec, cols, sec, loc)
		if err == nil {
			err = bar.Validate()
		}
		if err != nil {
			log.WithFields(map[string]interface{}{"op": "readBarFile", "file": path, "line": line}).WithError(err).Warn("Skipping bad bar")
			continue
		}
		bars = append(bars, bar)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

type columns struct {
	time, open, high, low, close, volume int
}

// mapColumns finds the time column (first header containing "time") and the
// price columns by name. Volume is optional.
func mapColumns(header []string) (columns, error) {
	c := columns{time: -1, open: -1, high: -1, low: -1, close: -1, volume: -1}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch {
		case c.time < 0 && strings.Contains(name, "time"):
			c.time = i
		case name == "open":
			c.open = i
		case name == "high":
			c.high = i
		case name == "low":
			c.low = i
		case name == "close":
			c.close = i
		case name == "volume":
			c.volume = i
		}
	}
	if c.time < 0 {
		return c, errors.New("no time column in header")
	}
	for name, idx := range map[string]int{"open": c.open, "high": c.high, "low": c.low, "close": c.close} {
		if idx < 0 {
			return c, fmt.Errorf("missing column %q", name)
		}
	}
	return c, nil
}

func parseRow(rec []string, c columns, sec model.Security, loc *time.Location) (model.Bar, error) {
	field := func(i int) (float64, error) {
		if i < 0 {
			return 0, nil
		}
		if i >= len(rec) {
			return 0, fmt.Errorf("row has %d fields, need %d", len(rec), i+1)
		}
		return strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	}
	if c.time >= len(rec) {
		return model.Bar{}, fmt.Errorf("row has %d fields, need %d", len(rec), c.time+1)
	}
	ts, err := ParseBarTime(rec[c.time], loc)
	if err != nil {
		return model.Bar{}, err
	}
	bar := model.Bar{Time: ts, Security: sec}
	if bar.Open, err = field(c.open); err != nil {
		return bar, err
	}
	if bar.High, err = field(c.high); err != nil {
		return bar, err
	}
	if bar.Low, err = field(c.low); err != nil {
		return bar, err
	}
	if bar.Close, err = field(c.close); err != nil {
		return bar, err
	}
	if bar.Volume, err = field(c.volume); err != nil {
		return bar, err
	}
	return bar, nil
}

// ParseBarTime accepts "YYYY-MM-DD HH:MM:SS" with optional fractional
// seconds, matching on the leading characters of the value.
func ParseBarTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.ParseInLocation(time.DateTime, v, loc); err == nil {
		return t, nil
	}
	if len(v) >= len(time.DateTime) {
		if t, err := time.ParseInLocation(time.DateTime, v[:len(time.DateTime)], loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised bar time %q", v)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
