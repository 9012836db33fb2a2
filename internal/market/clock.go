package market

import "time"

// Session describes the exchange trading day in its local timezone. Offsets
// are durations from local midnight.
type Session struct {
	Loc       *time.Location
	Open      time.Duration
	ForceExit time.Duration
	Close     time.Duration
}

// DefaultSession is the NSE F&O session: 09:15–15:30 IST, forced exit 15:15.
func DefaultSession() Session {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return Session{
		Loc:       loc,
		Open:      9*time.Hour + 15*time.Minute,
		ForceExit: 15*time.Hour + 15*time.Minute,
		Close:     15*time.Hour + 30*time.Minute,
	}
}

func (s Session) loc() *time.Location {
	if s.Loc == nil {
		return time.UTC
	}
	return s.Loc
}

// Midnight returns local 00:00 of the trading day containing t.
func (s Session) Midnight(t time.Time) time.Time {
	y, m, d := t.In(s.loc()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc())
}

// Day returns the trading date key (YYYY-MM-DD) for t.
func (s Session) Day(t time.Time) string {
	return t.In(s.loc()).Format("2006-01-02")
}

func (s Session) SameDay(a, b time.Time) bool {
	return s.Midnight(a).Equal(s.Midnight(b))
}

// At returns the wall-clock time offset on the trading day of t.
func (s Session) At(t time.Time, offset time.Duration) time.Time {
	return s.Midnight(t).Add(offset)
}

func (s Session) IsOpen(t time.Time) bool {
	return !t.Before(s.At(t, s.Open)) && t.Before(s.At(t, s.Close))
}

func (s Session) PastForceExit(t time.Time) bool {
	return !t.Before(s.At(t, s.ForceExit))
}
