package services

import (
	"time"

	"github.com/rickar/cal/v2"
)

// BusinessClock computes SLA deadlines. Business time is Mon-Fri between
// the configured start and end hour in its time zone, no holidays.
type BusinessClock struct {
	cal *cal.BusinessCalendar
	loc *time.Location
}

// NewBusinessClock builds a clock with working hours [startHour, endHour).
// A nil location means UTC.
func NewBusinessClock(loc *time.Location, startHour, endHour int) *BusinessClock {
	if loc == nil {
		loc = time.UTC
	}
	if startHour < 0 || endHour > 24 || startHour >= endHour {
		startHour, endHour = 9, 17
	}
	c := cal.NewBusinessCalendar()
	for d := time.Sunday; d <= time.Saturday; d++ {
		c.SetWorkday(d, d != time.Saturday && d != time.Sunday)
	}
	c.SetWorkHours(time.Duration(startHour)*time.Hour, time.Duration(endHour)*time.Hour)
	return &BusinessClock{cal: c, loc: loc}
}

// DefaultBusinessClock is 09:00-17:00 UTC.
func DefaultBusinessClock() *BusinessClock { return NewBusinessClock(time.UTC, 9, 17) }

// Location returns the time zone working hours are evaluated in.
func (b *BusinessClock) Location() *time.Location { return b.loc }

// Deadline adds minutes to start. With businessOnly the minutes only count
// inside working hours.
func (b *BusinessClock) Deadline(start time.Time, minutes int, businessOnly bool) time.Time {
	d := time.Duration(minutes) * time.Minute
	if !businessOnly || minutes <= 0 {
		return start.Add(d)
	}
	return b.cal.AddWorkHours(start.In(b.loc), d)
}

// IsWorkTime reports whether t falls inside working hours.
func (b *BusinessClock) IsWorkTime(t time.Time) bool {
	return b.cal.IsWorkTime(t.In(b.loc))
}

// WorkingTimeBetween returns the business time between two instants in
// either order.
func (b *BusinessClock) WorkingTimeBetween(start, end time.Time) time.Duration {
	return b.cal.WorkHoursInRange(start.In(b.loc), end.In(b.loc))
}
