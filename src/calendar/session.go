package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(v string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("invalid clock %q, expected HH:MM[:SS]", v)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Clock{}, fmt.Errorf("invalid clock %q: %w", v, err)
		}
		vals[i] = n
	}
	c := Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if c.Hour < 0 || c.Hour > 24 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
		return Clock{}, fmt.Errorf("clock %q out of range", v)
	}
	if c.Hour == 24 && (c.Minute != 0 || c.Second != 0) {
		return Clock{}, fmt.Errorf("clock %q out of range", v)
	}
	return c, nil
}

// Seconds since midnight.
func (c Clock) Seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

func (c Clock) String() string {
	if c.Second == 0 {
		return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
	}
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// On places the clock on the calendar day of d, in d's location.
func (c Clock) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, c.Hour, c.Minute, c.Second, 0, d.Location())
}

// ClockOf extracts the time of day from t.
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// Session is a closed intra-day window [Start, End].
type Session struct {
	Start Clock
	End   Clock
}

// ParseSession accepts "HH:MM-HH:MM".
func ParseSession(v string) (Session, error) {
	bounds := strings.Split(v, "-")
	if len(bounds) != 2 {
		return Session{}, fmt.Errorf("invalid session %q, expected HH:MM-HH:MM", v)
	}
	start, err := ParseClock(bounds[0])
	if err != nil {
		return Session{}, err
	}
	end, err := ParseClock(bounds[1])
	if err != nil {
		return Session{}, err
	}
	if end.Seconds() < start.Seconds() {
		return Session{}, fmt.Errorf("session %q ends before it starts", v)
	}
	return Session{Start: start, End: end}, nil
}

// ParseSessions parses a list of windows and returns them sorted by start.
// Overlapping windows are rejected.
func ParseSessions(values []string) ([]Session, error) {
	out := make([]Session, 0, len(values))
	for _, v := range values {
		s, err := ParseSession(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Seconds() < out[j].Start.Seconds() })
	for i := 1; i < len(out); i++ {
		if out[i].Start.Seconds() <= out[i-1].End.Seconds() {
			return nil, fmt.Errorf("sessions %s and %s overlap", out[i-1], out[i])
		}
	}
	return out, nil
}

// Contains reports whether the clock falls inside the window, ends included.
func (s Session) Contains(c Clock) bool {
	sec := c.Seconds()
	return sec >= s.Start.Seconds() && sec <= s.End.Seconds()
}

func (s Session) String() string {
	return fmt.Sprintf("[%s,%s]", s.Start, s.End)
}
