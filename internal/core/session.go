package core

import (
	"fmt"
	"time"
)

// Session computes trading-session boundaries. A session runs from one
// rollover instant to the next; the rollover is a wall-clock time in a fixed
// location, following the futures convention of rolling at 17:00 exchange
// time rather than at midnight.
type Session struct {
	loc  *time.Location
	hour int
	min  int
}

// NewSession parses an IANA timezone and an "HH:MM" rollover wall time.
func NewSession(timezone, rollover string) (*Session, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone %q: %w", timezone, err)
	}
	wall, err := time.Parse("15:04", rollover)
	if err != nil {
		return nil, fmt.Errorf("parse session rollover %q: %w", rollover, err)
	}
	return &Session{loc: loc, hour: wall.Hour(), min: wall.Minute()}, nil
}

// StartFor returns the start of the session containing t: the most recent
// rollover instant at or before t. The rollover instant itself belongs to
// the new session.
func (s *Session) StartFor(t time.Time) time.Time {
	lt := t.In(s.loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), s.hour, s.min, 0, 0, s.loc)
	if start.After(lt) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// NextRollover returns the first rollover instant strictly after t.
func (s *Session) NextRollover(t time.Time) time.Time {
	return s.StartFor(t).AddDate(0, 0, 1)
}

// Location exposes the session timezone for schedule wiring.
func (s *Session) Location() *time.Location {
	return s.loc
}

// Wall returns the rollover wall-clock time as hour and minute.
func (s *Session) Wall() (hour, min int) {
	return s.hour, s.min
}
