// Package capacity holds the production calendar and throughput math used by
// the queue scheduler. Everything here is pure: no I/O, no shared state.
package capacity

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxHorizonDays bounds the day walk in Duration so a misconfigured calendar
// cannot loop forever.
const MaxHorizonDays = 3660

var ErrNoCapacity = errors.New("capacity: no production capacity within horizon")

// Params are the per-product production parameters.
type Params struct {
	MoldsAvailable int
	MaxTurnsPerDay decimal.Decimal
}

func (p Params) Validate() error {
	if p.MoldsAvailable < 1 {
		return fmt.Errorf("capacity: molds_available must be >= 1, got %d", p.MoldsAvailable)
	}
	if p.MaxTurnsPerDay.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("capacity: max_turns_per_day must be >= 1, got %s", p.MaxTurnsPerDay)
	}
	return nil
}

// Calendar maps a date to the fraction of a full weekday's throughput
// available on it. Monday-Friday are full days, Sunday is closed.
type Calendar struct {
	Saturday decimal.Decimal
}

func DefaultCalendar() Calendar {
	return Calendar{Saturday: decimal.NewFromFloat(0.5)}
}

func NewCalendar(saturday float64) (Calendar, error) {
	f := decimal.NewFromFloat(saturday)
	if f.IsNegative() || f.GreaterThan(decimal.NewFromInt(1)) {
		return Calendar{}, fmt.Errorf("capacity: saturday factor must be within [0,1], got %v", saturday)
	}
	return Calendar{Saturday: f}, nil
}

func (c Calendar) Factor(day time.Time) decimal.Decimal {
	switch day.Weekday() {
	case time.Sunday:
		return decimal.Zero
	case time.Saturday:
		return c.Saturday
	default:
		return decimal.NewFromInt(1)
	}
}

// DailyThroughput is molds x turns x calendar factor, in units.
func (c Calendar) DailyThroughput(p Params, molds int, day time.Time) decimal.Decimal {
	return decimal.NewFromInt(int64(molds)).Mul(p.MaxTurnsPerDay).Mul(c.Factor(day))
}

// Duration walks forward from start one calendar day at a time until the
// accumulated throughput covers qty. Days without capacity are walked over
// but not counted; a partially used final day counts as a whole day. The
// returned end is the date on which qty is reached.
func (c Calendar) Duration(qty int, p Params, molds int, start time.Time) (int, time.Time, error) {
	if qty <= 0 {
		return 0, time.Time{}, fmt.Errorf("capacity: qty must be positive, got %d", qty)
	}
	if molds < 1 {
		return 0, time.Time{}, fmt.Errorf("capacity: assigned molds must be >= 1, got %d", molds)
	}

	target := decimal.NewFromInt(int64(qty))
	acc := decimal.Zero
	day := Date(start)
	days := 0
	for i := 0; i < MaxHorizonDays; i++ {
		rate := c.DailyThroughput(p, molds, day)
		if rate.IsPositive() {
			days++
			acc = acc.Add(rate)
			if acc.GreaterThanOrEqual(target) {
				return days, day, nil
			}
		}
		day = NextDay(day)
	}
	return 0, time.Time{}, ErrNoCapacity
}

// Date truncates t to its civil date, expressed as UTC midnight so dates read
// back from storage compare equal to freshly computed ones.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NextDay(t time.Time) time.Time {
	return Date(t).AddDate(0, 0, 1)
}

// Later returns the later of two dates.
func Later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
