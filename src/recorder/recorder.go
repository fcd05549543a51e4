// Package recorder collects per-tick strategy fields and writes them to
// results/<run-id>/result.csv.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/model"
)

type Mode int

const (
	// Append records one value per tick.
	Append Mode = iota
	// Override keeps the last value. A list of timed labels is instead
	// spread over the rows with the matching datetime.
	Override
)

const (
	FieldDatetime       = "datetime"
	FieldPortfolioValue = "portfolio_value"
	columnGateway       = "gateway"
	timeLayout          = "2006-01-02 15:04:05"
)

type Field struct {
	Name string
	Mode Mode
}

// FieldSource resolves a field value for one gateway.
type FieldSource interface {
	Field(name, gateway string) (interface{}, error)
}

type row struct {
	gateway string
	at      time.Time
	values  map[string]interface{}
}

type Recorder struct {
	path   string
	fields []Field
	multi  bool

	mu        sync.Mutex
	rows      []row
	overrides map[string]map[string]interface{}

	log *logger.Entry
}

// New prepends the mandatory datetime and portfolio_value fields; declaring
// either again is ignored. The gateway column is written only when there is
// more than one gateway.
func New(resultsPath, runID string, fields []Field, gateways []string) (*Recorder, error) {
	if runID == "" {
		return nil, model.NewConfigError("RUN_ID", "empty run id")
	}
	all := []Field{{FieldDatetime, Append}, {FieldPortfolioValue, Append}}
	seen := map[string]bool{FieldDatetime: true, FieldPortfolioValue: true}
	for _, f := range fields {
		if f.Name == "" {
			return nil, model.NewConfigError("fields", "field without a name")
		}
		if f.Mode != Append && f.Mode != Override {
			return nil, model.NewConfigError("fields", "field %s: unknown mode %d", f.Name, f.Mode)
		}
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		all = append(all, f)
	}
	return &Recorder{
		path:      filepath.Join(resultsPath, runID, "result.csv"),
		fields:    all,
		multi:     len(gateways) > 1,
		overrides: make(map[string]map[string]interface{}),
		log:       logger.WithFields(map[string]interface{}{"component": "recorder", "run_id": runID}),
	}, nil
}

func (r *Recorder) Path() string {
	return r.path
}

func (r *Recorder) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Record reads every declared field of one gateway from src and stores the
// tick.
func (r *Recorder) Record(gw string, src FieldSource) error {
	values := make(map[string]interface{}, len(r.fields))
	for _, f := range r.fields {
		v, err := src.Field(f.Name, gw)
		if err != nil {
			return fmt.Errorf("record %s for %s: %w", f.Name, gw, err)
		}
		values[f.Name] = v
	}
	return r.RecordTick(gw, values)
}

// RecordTick stores one tick of one gateway. values must carry the datetime.
func (r *Recorder) RecordTick(gw string, values map[string]interface{}) error {
	at, ok := values[FieldDatetime].(time.Time)
	if !ok {
		return fmt.Errorf("record %s: datetime missing or not a time", gw)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rw := row{gateway: gw, at: at, values: make(map[string]interface{})}
	for _, f := range r.fields {
		v, present := values[f.Name]
		if !present {
			continue
		}
		if f.Mode == Append {
			rw.values[f.Name] = v
			continue
		}
		r.override(gw, f.Name, v)
	}
	r.rows = append(r.rows, rw)
	return nil
}

// override keeps the last value; timed labels accumulate because strategies
// hand out each label once.
func (r *Recorder) override(gw, name string, v interface{}) {
	m, ok := r.overrides[gw]
	if !ok {
		m = make(map[string]interface{})
		r.overrides[gw] = m
	}
	if labels, isList := v.([]model.TimedLabel); isList {
		prev, _ := m[name].([]model.TimedLabel)
		m[name] = append(prev, labels...)
		return
	}
	if v == nil {
		return
	}
	m[name] = v
}

func (r *Recorder) header() []string {
	var out []string
	if r.multi {
		out = append(out, columnGateway)
	}
	for _, f := range r.fields {
		out = append(out, f.Name)
	}
	return out
}

// Flush writes every recorded row. It rewrites the whole file, so it may be
// called more than once.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	defer f.Close()

	lastRow := make(map[string]int, len(r.overrides))
	for i, rw := range r.rows {
		lastRow[rw.gateway] = i
	}

	w := csv.NewWriter(f)
	if err := w.Write(r.header()); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	for i, rw := range r.rows {
		rec := make([]string, 0, len(r.fields)+1)
		if r.multi {
			rec = append(rec, rw.gateway)
		}
		for _, fd := range r.fields {
			if fd.Mode == Append {
				rec = append(rec, format(rw.values[fd.Name]))
				continue
			}
			rec = append(rec, r.overrideCell(rw, fd.Name, i == lastRow[rw.gateway]))
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("flush results: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}

	r.log.WithFields(map[string]interface{}{"op": "Flush", "rows": len(r.rows), "path": r.path}).Info("Results written")
	return nil
}

func (r *Recorder) overrideCell(rw row, name string, last bool) string {
	v, ok := r.overrides[rw.gateway][name]
	if !ok {
		return ""
	}
	if labels, isList := v.([]model.TimedLabel); isList {
		var hits []string
		for _, l := range labels {
			if l.Time.Equal(rw.at) {
				hits = append(hits, l.Label)
			}
		}
		return strings.Join(hits, ";")
	}
	if !last {
		return ""
	}
	return format(v)
}

func format(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format(timeLayout)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case string:
		return x
	case []model.TimedLabel:
		labels := make([]string, len(x))
		for i, l := range x {
			labels[i] = l.Label
		}
		return strings.Join(labels, ";")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
