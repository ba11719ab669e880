package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// TimeOfDay is a wall-clock time in the local zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Valid reports whether the hour and minute are in range.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// ParseTimeOfDay accepts "HH:MM" and phrases such as "8am" or "at 7:30 pm".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeOfDay{}, fmt.Errorf("empty time of day")
	}
	if t, err := time.Parse("15:04", s); err == nil {
		return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	base := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.Local)
	r, err := w.Parse(strings.ToLower(s), base)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("failed to parse time of day %q: %v", s, err)
	}
	if r == nil {
		return TimeOfDay{}, fmt.Errorf("unrecognized time of day %q", s)
	}
	return TimeOfDay{Hour: r.Time.Hour(), Minute: r.Time.Minute()}, nil
}

// NextDelay returns how long after now the next occurrence of target is,
// read on the wall clock of now's location. A target equal to the time of
// day of now is the next day's occurrence.
func NextDelay(target TimeOfDay, now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d, target.Hour, target.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(y, m, d+1, target.Hour, target.Minute, 0, 0, now.Location())
	}
	return next.Sub(now)
}
