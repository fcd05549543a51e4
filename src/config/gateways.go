package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"tradeharness/src/calendar"
	"tradeharness/src/fees"
	"tradeharness/src/model"
	"tradeharness/src/portfolio"
)

const recordTimeLayout = "2006-01-02 15:04:05"

// SecurityRecord is one instrument in a gateway record.
type SecurityRecord struct {
	Kind     string   `yaml:"kind"`
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	Exchange string   `yaml:"exchange"`
	LotSize  int      `yaml:"lot_size"`
	Expiry   string   `yaml:"expiry"`
	Sessions []string `yaml:"sessions"`
}

type FeeRecord struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// GatewayRecord is the broker account record of one gateway.
type GatewayRecord struct {
	Timezone string   `yaml:"timezone"`
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Sessions []string `yaml:"sessions"`
	// Days is "all", "weekdays" or "us_equity".
	Days       string           `yaml:"days"`
	Securities []SecurityRecord `yaml:"securities"`
	Cash       float64          `yaml:"cash"`
	ShortRate  float64          `yaml:"short_rate"`
	Fees       FeeRecord        `yaml:"fees"`
	CostBasis  string           `yaml:"cost_basis"`

	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Retries   *int   `yaml:"retries"`
}

type gatewayFile struct {
	Gateways map[string]GatewayRecord `yaml:"gateways"`
}

// ReadGatewayFile parses the YAML gateway records. Credentials may reference
// environment variables as ${NAME}.
func ReadGatewayFile(path string) (map[string]GatewayRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewConfigError("GATEWAYS_FILE", "%w", err)
	}
	return ParseGatewayRecords(data)
}

func ParseGatewayRecords(data []byte) (map[string]GatewayRecord, error) {
	var f gatewayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, model.NewConfigError("GATEWAYS_FILE", "%w", err)
	}
	for name, rec := range f.Gateways {
		rec.APIKey = os.ExpandEnv(rec.APIKey)
		rec.APISecret = os.ExpandEnv(rec.APISecret)
		f.Gateways[name] = rec
	}
	return f.Gateways, nil
}

func (r GatewayRecord) validate(name, kind string) error {
	if len(r.Securities) == 0 {
		return model.NewConfigError("GATEWAYS_FILE", "gateway %s has no securities", name)
	}
	if _, err := r.Location(); err != nil {
		return model.NewConfigError("GATEWAYS_FILE", "%s: %w", name, err)
	}
	if _, err := r.SessionList(); err != nil {
		return model.NewConfigError("GATEWAYS_FILE", "%s: %w", name, err)
	}
	if _, err := r.SecurityList(); err != nil {
		return model.NewConfigError("GATEWAYS_FILE", "%s: %w", name, err)
	}
	for _, s := range r.Securities {
		if _, err := calendar.ParseSessions(s.Sessions); err != nil {
			return model.NewConfigError("GATEWAYS_FILE", "%s/%s: %w", name, s.Code, err)
		}
	}
	if _, err := r.DayFilter(); err != nil {
		return model.NewConfigError("GATEWAYS_FILE", "%s: %w", name, err)
	}
	if _, err := r.PortfolioOptions(); err != nil {
		return model.NewConfigError("GATEWAYS_FILE", "%s: %w", name, err)
	}
	start, end, err := r.Window()
	if err != nil {
		return model.NewConfigError("GATEWAYS_FILE", "%s: %w", name, err)
	}
	if kind == KindBacktest && (start.IsZero() || end.IsZero()) {
		return model.NewConfigError("GATEWAYS_FILE", "%s: backtest needs start and end", name)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return model.NewConfigError("GATEWAYS_FILE", "%s: end %s before start %s", name, r.End, r.Start)
	}
	if kind == KindREST && (r.BaseURL == "" || r.StreamURL == "") {
		return model.NewConfigError("GATEWAYS_FILE", "%s: rest gateway needs base_url and stream_url", name)
	}
	return nil
}

func (r GatewayRecord) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// Window parses start and end in the record's timezone. Missing bounds are
// zero.
func (r GatewayRecord) Window() (time.Time, time.Time, error) {
	loc, err := r.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := parseRecordTime(r.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseRecordTime(r.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	return start, end, nil
}

func parseRecordTime(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(recordTimeLayout, v, loc); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, loc)
}

func (r GatewayRecord) SessionList() ([]calendar.Session, error) {
	return calendar.ParseSessions(r.Sessions)
}

// SecuritySessions returns the per-security session overrides by code.
func (r GatewayRecord) SecuritySessions() map[string][]calendar.Session {
	out := make(map[string][]calendar.Session)
	for _, s := range r.Securities {
		if len(s.Sessions) == 0 {
			continue
		}
		if sessions, err := calendar.ParseSessions(s.Sessions); err == nil {
			out[s.Code] = sessions
		}
	}
	return out
}

func (r GatewayRecord) SecurityList() ([]model.Security, error) {
	out := make([]model.Security, 0, len(r.Securities))
	for _, s := range r.Securities {
		if s.Code == "" {
			return nil, fmt.Errorf("security without code")
		}
		kind, err := model.ParseSecurityKind(s.Kind)
		if err != nil {
			return nil, err
		}
		lot := s.LotSize
		if lot <= 0 {
			lot = 1
		}
		switch kind {
		case model.SecurityFutures:
			var expiry time.Time
			if s.Expiry != "" {
				if expiry, err = time.Parse("2006-01-02", s.Expiry); err != nil {
					return nil, fmt.Errorf("%s expiry: %w", s.Code, err)
				}
			}
			out = append(out, model.NewFutures(s.Code, s.Name, s.Exchange, lot, expiry))
		case model.SecurityCurrency:
			out = append(out, model.NewCurrency(s.Code, s.Name, s.Exchange, lot))
		default:
			out = append(out, model.NewStock(s.Code, s.Name, s.Exchange, lot))
		}
	}
	return out, nil
}

// DayFilter maps the record's day rule onto a calendar filter. Nil means
// every day with data.
func (r GatewayRecord) DayFilter() (calendar.DayFilter, error) {
	switch r.Days {
	case "", "all":
		return nil, nil
	case "weekdays":
		return calendar.Weekdays, nil
	case "us_equity":
		return calendar.USEquityDays, nil
	}
	return nil, fmt.Errorf("unknown day rule %q", r.Days)
}

func (r GatewayRecord) PortfolioOptions() (portfolio.Options, error) {
	feeFunc, err := fees.ByName(r.Fees.Name, r.Fees.Params)
	if err != nil {
		return portfolio.Options{}, err
	}
	policy, err := portfolio.CostBasisByName(r.CostBasis)
	if err != nil {
		return portfolio.Options{}, err
	}
	return portfolio.Options{Fees: feeFunc, CostBasis: policy, ShortRate: r.ShortRate}, nil
}

// RetryCount returns the configured REST retries, -1 for the client default.
func (r GatewayRecord) RetryCount() int {
	if r.Retries == nil {
		return -1
	}
	return *r.Retries
}
