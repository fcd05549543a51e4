// Package calendar answers the two questions the event loop asks a venue
// clock: is t inside a trading session, and when does the next one open.
package calendar

import (
	"sort"
	"time"

	"tradeharness/src/model"
)

// maxScanDays bounds the search for the next open when no end is configured.
const maxScanDays = 3660

const dayLayout = "2006-01-02"

// DayFilter decides whether a calendar day can trade at all.
type DayFilter func(day time.Time) bool

// Calendar holds the per-gateway session configuration.
type Calendar struct {
	loc      *time.Location
	start    time.Time
	end      time.Time
	step     time.Duration
	defaults []Session
	sessions map[string][]Session

	tradingDays map[string]struct{}
	sortedDays  []time.Time
	dayFilter   DayFilter
}

type Option func(*Calendar)

// WithLocation sets the zone session clocks are interpreted in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(c *Calendar) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithWindow bounds the calendar to [start, end]. Zero values leave a side open.
func WithWindow(start, end time.Time) Option {
	return func(c *Calendar) {
		c.start = start
		c.end = end
	}
}

// WithStep sets the loop step used by NextTradingDatetime inside a session.
func WithStep(step time.Duration) Option {
	return func(c *Calendar) {
		c.step = step
	}
}

// WithSessions sets the sessions shared by every security of the gateway.
func WithSessions(sessions []Session) Option {
	return func(c *Calendar) {
		c.defaults = append([]Session(nil), sessions...)
	}
}

// WithSecuritySessions overrides the sessions of one security.
func WithSecuritySessions(sec model.Security, sessions []Session) Option {
	return func(c *Calendar) {
		c.sessions[sec.Key()] = append([]Session(nil), sessions...)
	}
}

// WithTradingDays restricts trading to the given dates (time of day ignored).
func WithTradingDays(days []time.Time) Option {
	return func(c *Calendar) {
		c.tradingDays = make(map[string]struct{}, len(days))
		for _, d := range days {
			c.tradingDays[d.In(c.loc).Format(dayLayout)] = struct{}{}
		}
	}
}

// WithDayFilter excludes days such as weekends or holidays.
func WithDayFilter(f DayFilter) Option {
	return func(c *Calendar) {
		c.dayFilter = f
	}
}

// New builds a calendar. Location options should come before
// WithTradingDays so dates are keyed in the right zone.
func New(opts ...Option) *Calendar {
	c := &Calendar{
		loc:      time.UTC,
		step:     time.Minute,
		sessions: make(map[string][]Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tradingDays != nil {
		c.sortedDays = make([]time.Time, 0, len(c.tradingDays))
		for k := range c.tradingDays {
			d, err := time.ParseInLocation(dayLayout, k, c.loc)
			if err == nil {
				c.sortedDays = append(c.sortedDays, d)
			}
		}
		sort.Slice(c.sortedDays, func(i, j int) bool { return c.sortedDays[i].Before(c.sortedDays[j]) })
	}
	return c
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) Step() time.Duration {
	return c.step
}

// Window returns the configured bounds, zero when open.
func (c *Calendar) Window() (time.Time, time.Time) {
	return c.start, c.end
}

// TradingDays returns the sorted explicit trading days, nil when unrestricted.
func (c *Calendar) TradingDays() []time.Time {
	return c.sortedDays
}

// SessionsFor returns the sessions that apply to sec.
func (c *Calendar) SessionsFor(sec model.Security) []Session {
	if s, ok := c.sessions[sec.Key()]; ok {
		return s
	}
	return c.defaults
}

// IsTradingDay reports whether the date of t can trade.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.tradingDays != nil {
		if _, ok := c.tradingDays[t.Format(dayLayout)]; !ok {
			return false
		}
	}
	if c.dayFilter != nil && !c.dayFilter(t) {
		return false
	}
	return true
}

func (c *Calendar) inWindow(t time.Time) bool {
	if !c.start.IsZero() && t.Before(c.start) {
		return false
	}
	if !c.end.IsZero() && t.After(c.end) {
		return false
	}
	return true
}

// InSession reports whether sec trades at t.
func (c *Calendar) InSession(t time.Time, sec model.Security) bool {
	t = t.In(c.loc)
	if !c.inWindow(t) || !c.IsTradingDay(t) {
		return false
	}
	sessions := c.SessionsFor(sec)
	if len(sessions) == 0 {
		return true
	}
	clock := ClockOf(t)
	for _, s := range sessions {
		if s.Contains(clock) {
			return true
		}
	}
	return false
}

// NextOpen returns the smallest t' >= t at which sec is in session, or false
// when nothing remains inside the calendar horizon.
func (c *Calendar) NextOpen(t time.Time, sec model.Security) (time.Time, bool) {
	t = t.In(c.loc)
	if !c.start.IsZero() && t.Before(c.start) {
		t = c.start.In(c.loc)
	}
	if c.InSession(t, sec) {
		return t, true
	}

	if c.sortedDays != nil && len(c.sortedDays) == 0 {
		return time.Time{}, false
	}

	sessions := c.SessionsFor(sec)
	today := midnight(t)
	for i := 0; i <= maxScanDays; i++ {
		day := today.AddDate(0, 0, i)
		if !c.end.IsZero() && day.After(c.end) {
			return time.Time{}, false
		}
		if c.sortedDays != nil && day.After(c.sortedDays[len(c.sortedDays)-1]) {
			return time.Time{}, false
		}
		if !c.IsTradingDay(day) {
			continue
		}
		if len(sessions) == 0 {
			// Whole day trades; today was already rejected above.
			if i == 0 {
				continue
			}
			return c.bounded(day)
		}
		for _, s := range sessions {
			open := s.Start.On(day)
			if open.Before(t) {
				continue
			}
			return c.bounded(open)
		}
	}
	return time.Time{}, false
}

// NextTradingDatetime is the backtest jump target: the next step when t is
// already in session, otherwise the next session open.
func (c *Calendar) NextTradingDatetime(t time.Time, sec model.Security) (time.Time, bool) {
	if c.InSession(t, sec) {
		return c.bounded(t.In(c.loc).Add(c.step))
	}
	return c.NextOpen(t, sec)
}

func (c *Calendar) bounded(t time.Time) (time.Time, bool) {
	if !c.end.IsZero() && t.After(c.end) {
		return time.Time{}, false
	}
	return t, true
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
