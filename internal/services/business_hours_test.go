package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBusinessClock_Deadline(t *testing.T) {
	clock := DefaultBusinessClock()

	tests := []struct {
		name         string
		start        time.Time
		minutes      int
		businessOnly bool
		want         time.Time
	}{
		{
			name:    "wall clock minutes",
			start:   time.Date(2025, 1, 10, 16, 30, 0, 0, time.UTC), // Friday
			minutes: 60,
			want:    time.Date(2025, 1, 10, 17, 30, 0, 0, time.UTC),
		},
		{
			name:         "inside one working day",
			start:        time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC), // Monday
			minutes:      90,
			businessOnly: true,
			want:         time.Date(2025, 1, 6, 11, 30, 0, 0, time.UTC),
		},
		{
			name:         "over the weekend",
			start:        time.Date(2025, 1, 10, 16, 30, 0, 0, time.UTC), // Friday
			minutes:      120,
			businessOnly: true,
			// 30 minutes on Friday, 90 from Monday 09:00
			want: time.Date(2025, 1, 13, 10, 30, 0, 0, time.UTC),
		},
		{
			name:         "across one night",
			start:        time.Date(2025, 1, 7, 16, 0, 0, 0, time.UTC), // Tuesday
			minutes:      180,
			businessOnly: true,
			want:         time.Date(2025, 1, 8, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clock.Deadline(tt.start, tt.minutes, tt.businessOnly)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestBusinessClock_TimeZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := NewBusinessClock(loc, 9, 17)

	// 14:30 UTC is 16:30 local on a Friday
	start := time.Date(2025, 1, 10, 14, 30, 0, 0, time.UTC)
	got := clock.Deadline(start, 120, true)
	want := time.Date(2025, 1, 13, 10, 30, 0, 0, loc)
	assert.True(t, want.Equal(got), "got %s, want %s", got, want)

	assert.True(t, clock.IsWorkTime(start))
	assert.False(t, clock.IsWorkTime(time.Date(2025, 1, 11, 12, 0, 0, 0, time.UTC)))
}

func TestNewBusinessClock_InvalidHoursFallBack(t *testing.T) {
	clock := NewBusinessClock(nil, 18, 8)
	assert.Equal(t, time.UTC, clock.Location())
	assert.True(t, clock.IsWorkTime(time.Date(2025, 1, 6, 9, 30, 0, 0, time.UTC)))
	assert.False(t, clock.IsWorkTime(time.Date(2025, 1, 6, 8, 30, 0, 0, time.UTC)))
}
