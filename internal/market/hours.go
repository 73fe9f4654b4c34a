package market

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Clock reports whether the market accepts trades at a given instant.
type Clock interface {
	IsOpen(now time.Time) bool
}

// AlwaysOpen is a Clock that never closes.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }

// SessionClock opens on weekdays between Open and Close (inclusive) in Location.
type SessionClock struct {
	Location *time.Location
	Open     TimeOfDay
	Close    TimeOfDay
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour, Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// NSE returns the National Stock Exchange cash session, 09:15 to 15:30 IST.
func NSE() (SessionClock, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return SessionClock{}, err
	}
	return SessionClock{
		Location: loc,
		Open:     TimeOfDay{Hour: 9, Minute: 15},
		Close:    TimeOfDay{Hour: 15, Minute: 30},
	}, nil
}

func (c SessionClock) IsOpen(now time.Time) bool {
	local := now.In(c.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	m := local.Hour()*60 + local.Minute()
	if m == c.Close.minutes() && (local.Second() > 0 || local.Nanosecond() > 0) {
		return false
	}
	return m >= c.Open.minutes() && m <= c.Close.minutes()
}

// Status is the market status view served to clients.
type Status struct {
	IsOpen      bool   `json:"is_open"`
	CurrentTime string `json:"current_time"`
	Day         string `json:"day"`
	Opens       string `json:"opens,omitempty"`
	Closes      string `json:"closes,omitempty"`
	Message     string `json:"message"`
}

// StatusAt renders the status of c at now, in loc.
func StatusAt(c Clock, loc *time.Location, now time.Time) Status {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	s := Status{
		IsOpen:      c.IsOpen(now),
		CurrentTime: local.Format(time.TimeOnly),
		Day:         local.Weekday().String(),
		Message:     "Market is closed",
	}
	if sc, ok := c.(SessionClock); ok {
		s.Opens = sc.Open.String()
		s.Closes = sc.Close.String()
	}
	if s.IsOpen {
		s.Message = "Market is open"
	}
	return s
}
