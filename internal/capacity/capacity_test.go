package capacity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func params(molds int, turns float64) Params {
	return Params{MoldsAvailable: molds, MaxTurnsPerDay: decimal.NewFromFloat(turns)}
}

func TestFactor(t *testing.T) {
	cal := DefaultCalendar()
	// 2024-01-01 is a Monday.
	for i := 0; i < 5; i++ {
		assert.True(t, cal.Factor(day(2024, 1, 1+i)).Equal(decimal.NewFromInt(1)), "weekday %d", i)
	}
	assert.True(t, cal.Factor(day(2024, 1, 6)).Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, cal.Factor(day(2024, 1, 7)).IsZero())
}

func TestDailyThroughput(t *testing.T) {
	cal := DefaultCalendar()
	p := params(10, 1)
	assert.Equal(t, "10", cal.DailyThroughput(p, 10, day(2024, 1, 3)).String())
	assert.Equal(t, "5", cal.DailyThroughput(p, 10, day(2024, 1, 6)).String())
	assert.Equal(t, "0", cal.DailyThroughput(p, 10, day(2024, 1, 7)).String())
	assert.Equal(t, "6", cal.DailyThroughput(params(4, 1.5), 4, day(2024, 1, 2)).String())
}

func TestDuration(t *testing.T) {
	cal := DefaultCalendar()
	tests := []struct {
		name     string
		qty      int
		p        Params
		molds    int
		start    time.Time
		wantDays int
		wantEnd  time.Time
	}{
		{
			name: "monday start spans to wednesday", qty: 25, p: params(10, 1), molds: 10,
			start: day(2024, 1, 1), wantDays: 3, wantEnd: day(2024, 1, 3),
		},
		{
			name: "exact single day", qty: 10, p: params(10, 1), molds: 10,
			start: day(2024, 1, 2), wantDays: 1, wantEnd: day(2024, 1, 2),
		},
		{
			name: "saturday start finishes monday", qty: 10, p: params(10, 1), molds: 10,
			start: day(2024, 1, 6), wantDays: 2, wantEnd: day(2024, 1, 8),
		},
		{
			name: "sunday start is skipped", qty: 10, p: params(10, 1), molds: 10,
			start: day(2024, 1, 7), wantDays: 1, wantEnd: day(2024, 1, 8),
		},
		{
			name: "friday into next week", qty: 25, p: params(10, 1), molds: 10,
			start: day(2024, 1, 5), wantDays: 3, wantEnd: day(2024, 1, 8),
		},
		{
			name: "fractional remainder rounds up", qty: 4, p: params(1, 1.5), molds: 1,
			start: day(2024, 1, 1), wantDays: 3, wantEnd: day(2024, 1, 3),
		},
		{
			name: "fewer molds than ceiling", qty: 25, p: params(10, 1), molds: 5,
			start: day(2024, 1, 1), wantDays: 5, wantEnd: day(2024, 1, 5),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			days, end, err := cal.Duration(tt.qty, tt.p, tt.molds, tt.start)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDays, days)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestDurationIsDeterministic(t *testing.T) {
	cal := DefaultCalendar()
	start := time.Date(2024, 3, 8, 17, 45, 0, 0, time.FixedZone("x", -6*3600))
	d1, e1, err := cal.Duration(137, params(3, 2), 3, start)
	require.NoError(t, err)
	d2, e2, err := cal.Duration(137, params(3, 2), 3, start)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, e1, e2)
	assert.False(t, e1.Before(Date(start)))
}

func TestDurationClosedSaturday(t *testing.T) {
	cal, err := NewCalendar(0)
	require.NoError(t, err)
	days, end, err := cal.Duration(10, params(10, 1), 10, day(2024, 1, 6))
	require.NoError(t, err)
	assert.Equal(t, 1, days)
	assert.Equal(t, day(2024, 1, 8), end)
}

func TestDurationRejectsBadInput(t *testing.T) {
	cal := DefaultCalendar()
	_, _, err := cal.Duration(0, params(1, 1), 1, day(2024, 1, 1))
	assert.Error(t, err)
	_, _, err = cal.Duration(5, params(1, 1), 0, day(2024, 1, 1))
	assert.Error(t, err)
}

func TestDurationNoCapacity(t *testing.T) {
	cal := DefaultCalendar()
	_, _, err := cal.Duration(5, Params{MoldsAvailable: 1, MaxTurnsPerDay: decimal.Zero}, 1, day(2024, 1, 1))
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestNewCalendarBounds(t *testing.T) {
	_, err := NewCalendar(1.5)
	assert.Error(t, err)
	_, err = NewCalendar(-0.1)
	assert.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, params(1, 1).Validate())
	assert.Error(t, params(0, 1).Validate())
	assert.Error(t, params(2, 0.5).Validate())
}

func TestDateNormalizesLocation(t *testing.T) {
	loc := time.FixedZone("x", 5*3600)
	in := time.Date(2024, 1, 1, 23, 59, 0, 0, loc)
	assert.Equal(t, day(2024, 1, 1), Date(in))
	assert.Equal(t, day(2024, 1, 2), NextDay(in))
	assert.Equal(t, day(2024, 1, 2), Later(day(2024, 1, 1), day(2024, 1, 2)))
}
