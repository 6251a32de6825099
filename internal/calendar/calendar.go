// Package calendar computes billing cycle windows and proration factors
// from an anchored recurrence grid. All arithmetic is UTC.
package calendar

import (
	"errors"
	"fmt"
	"time"
)

type Interval string

const (
	IntervalMinute  Interval = "minute"
	IntervalDay     Interval = "day"
	IntervalWeek    Interval = "week"
	IntervalMonth   Interval = "month"
	IntervalYear    Interval = "year"
	IntervalOnetime Interval = "onetime"
)

// MaxTime stands in for an unbounded cycle end.
var MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

var (
	ErrInvalidInterval = errors.New("invalid_interval")
	ErrInvalidAnchor   = errors.New("invalid_anchor")
)

// BillingConfig describes one recurrence rule.
// Anchor meaning depends on the interval: day-of-month for month and year,
// weekday (0=Sunday) for week, hour for day, second for minute.
type BillingConfig struct {
	Interval      Interval
	IntervalCount int
	Anchor        int
	PlanType      string
}

// Input carries everything needed to place now on the cycle grid.
type Input struct {
	EffectiveStart time.Time
	EffectiveEnd   *time.Time
	TrialEnd       *time.Time
	Config         BillingConfig
}

// Window is a half-open service span [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Contains reports whether t falls inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// CycleWindow returns the cycle window containing now, or nil when now is
// outside [EffectiveStart, EffectiveEnd). End is exclusive: now == End
// belongs to the next window. Month anchors that do not exist in a month
// roll forward to day 1 of the following month, stretching the previous
// cycle past its nominal anchor.
func CycleWindow(now time.Time, in Input) (*Window, error) {
	now = now.UTC()
	effectiveStart := in.EffectiveStart.UTC()

	if now.Before(effectiveStart) {
		return nil, nil
	}
	if in.EffectiveEnd != nil && !now.Before(in.EffectiveEnd.UTC()) {
		return nil, nil
	}

	if in.Config.Interval == IntervalOnetime {
		end := MaxTime
		if in.TrialEnd != nil {
			end = in.TrialEnd.UTC()
		}
		return capEnd(&Window{Start: effectiveStart, End: end}, in.EffectiveEnd), nil
	}

	// Trial spans [effectiveStart, trialEnd) regardless of the grid.
	if in.TrialEnd != nil && now.Before(in.TrialEnd.UTC()) {
		return capEnd(&Window{Start: effectiveStart, End: in.TrialEnd.UTC()}, in.EffectiveEnd), nil
	}

	window, err := gridWindow(now, in.Config, effectiveStart)
	if err != nil {
		return nil, err
	}

	// The first window starts at subscription start (or trial end), not at
	// the grid boundary preceding it.
	floor := effectiveStart
	if in.TrialEnd != nil && in.TrialEnd.UTC().After(floor) {
		floor = in.TrialEnd.UTC()
	}
	if window.Start.Before(floor) {
		window.Start = floor
	}
	return capEnd(window, in.EffectiveEnd), nil
}

// ProrationFactor returns the billed share of a full grid cycle in [0, 1].
// The denominator is the uncapped grid cycle containing serviceStart; the
// numerator is the service time after the subscription became effective.
// Trial service windows are free and return 0.
func ProrationFactor(serviceStart, serviceEnd time.Time, in Input) (float64, error) {
	serviceStart = serviceStart.UTC()
	serviceEnd = serviceEnd.UTC()

	if !serviceEnd.After(serviceStart) {
		return 0, nil
	}
	if in.TrialEnd != nil && !serviceEnd.After(in.TrialEnd.UTC()) {
		return 0, nil
	}
	if in.Config.Interval == IntervalOnetime {
		return 1, nil
	}

	full, err := gridWindow(serviceStart, in.Config, in.EffectiveStart.UTC())
	if err != nil {
		return 0, err
	}
	denominator := full.Duration()
	if denominator <= 0 {
		return 0, nil
	}

	billedFrom := serviceStart
	if in.EffectiveStart.UTC().After(billedFrom) {
		billedFrom = in.EffectiveStart.UTC()
	}
	numerator := serviceEnd.Sub(billedFrom)
	if numerator <= 0 {
		return 0, nil
	}

	factor := float64(numerator) / float64(denominator)
	if factor > 1 {
		factor = 1
	}
	return factor, nil
}

// GracePeriod is a plain calendar offset used for pastDueAt.
type GracePeriod struct {
	Interval Interval
	Units    int
}

// NextDateAfter applies plain calendar arithmetic with Go's AddDate
// normalization rather than the grid's roll-forward.
func NextDateAfter(start time.Time, grace GracePeriod) time.Time {
	start = start.UTC()
	switch grace.Interval {
	case IntervalMinute:
		return start.Add(time.Duration(grace.Units) * time.Minute)
	case IntervalDay:
		return start.AddDate(0, 0, grace.Units)
	case IntervalWeek:
		return start.AddDate(0, 0, 7*grace.Units)
	case IntervalMonth:
		return start.AddDate(0, grace.Units, 0)
	case IntervalYear:
		return start.AddDate(grace.Units, 0, 0)
	default:
		return start
	}
}

func capEnd(w *Window, effectiveEnd *time.Time) *Window {
	if effectiveEnd != nil && w.End.After(effectiveEnd.UTC()) {
		w.End = effectiveEnd.UTC()
	}
	return w
}

// gridWindow places now on the fixed recurrence grid anchored at the
// nearest anchor at or before effectiveStart.
func gridWindow(now time.Time, cfg BillingConfig, effectiveStart time.Time) (*Window, error) {
	count := cfg.IntervalCount
	if count <= 0 {
		count = 1
	}

	switch cfg.Interval {
	case IntervalMinute:
		if cfg.Anchor < 0 || cfg.Anchor > 59 {
			return nil, fmt.Errorf("%w: second %d", ErrInvalidAnchor, cfg.Anchor)
		}
		base := effectiveStart.Truncate(time.Minute).Add(time.Duration(cfg.Anchor) * time.Second)
		if base.After(effectiveStart) {
			base = base.Add(-time.Minute)
		}
		return fixedWindow(now, base, time.Duration(count)*time.Minute), nil

	case IntervalDay:
		if cfg.Anchor < 0 || cfg.Anchor > 23 {
			return nil, fmt.Errorf("%w: hour %d", ErrInvalidAnchor, cfg.Anchor)
		}
		base := time.Date(effectiveStart.Year(), effectiveStart.Month(), effectiveStart.Day(), cfg.Anchor, 0, 0, 0, time.UTC)
		if base.After(effectiveStart) {
			base = base.Add(-24 * time.Hour)
		}
		return fixedWindow(now, base, time.Duration(count)*24*time.Hour), nil

	case IntervalWeek:
		if cfg.Anchor < 0 || cfg.Anchor > 6 {
			return nil, fmt.Errorf("%w: weekday %d", ErrInvalidAnchor, cfg.Anchor)
		}
		midnight := time.Date(effectiveStart.Year(), effectiveStart.Month(), effectiveStart.Day(), 0, 0, 0, 0, time.UTC)
		back := (int(midnight.Weekday()) - cfg.Anchor + 7) % 7
		base := midnight.AddDate(0, 0, -back)
		return fixedWindow(now, base, time.Duration(count)*7*24*time.Hour), nil

	case IntervalMonth:
		return monthWindow(now, effectiveStart, cfg.Anchor, count)

	case IntervalYear:
		return monthWindow(now, effectiveStart, cfg.Anchor, 12*count)

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, cfg.Interval)
	}
}

func fixedWindow(now, base time.Time, period time.Duration) *Window {
	elapsed := now.Sub(base)
	k := elapsed / period
	start := base.Add(k * period)
	return &Window{Start: start, End: start.Add(period)}
}

// monthWindow walks nominal months in steps of stepMonths, materializing
// each boundary with the roll-forward rule.
func monthWindow(now, effectiveStart time.Time, anchorDay, stepMonths int) (*Window, error) {
	if anchorDay < 1 || anchorDay > 31 {
		return nil, fmt.Errorf("%w: day %d", ErrInvalidAnchor, anchorDay)
	}

	year, month := effectiveStart.Year(), int(effectiveStart.Month())
	if monthBoundary(year, month, anchorDay).After(effectiveStart) {
		year, month = addMonths(year, month, -1)
	}

	// Fast-forward close to now before walking boundary by boundary.
	if approx := ((now.Year()-year)*12 + int(now.Month()) - month) / stepMonths; approx > 1 {
		year, month = addMonths(year, month, (approx-1)*stepMonths)
		for monthBoundary(year, month, anchorDay).After(now) {
			year, month = addMonths(year, month, -stepMonths)
		}
	}

	start := monthBoundary(year, month, anchorDay)
	for {
		nextYear, nextMonth := addMonths(year, month, stepMonths)
		end := monthBoundary(nextYear, nextMonth, anchorDay)
		if now.Before(end) {
			return &Window{Start: start, End: end}, nil
		}
		year, month, start = nextYear, nextMonth, end
	}
}

// monthBoundary materializes the anchor inside a nominal month. When the
// month is too short for the anchor day, the boundary rolls forward to
// day 1 of the next month.
func monthBoundary(year, month, anchorDay int) time.Time {
	if anchorDay > daysInMonth(year, month) {
		nextYear, nextMonth := addMonths(year, month, 1)
		return time.Date(nextYear, time.Month(nextMonth), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, time.Month(month), anchorDay, 0, 0, 0, 0, time.UTC)
}

func addMonths(year, month, delta int) (int, int) {
	total := year*12 + (month - 1) + delta
	return total / 12, total%12 + 1
}

func daysInMonth(year, month int) int {
	nextYear, nextMonth := addMonths(year, month, 1)
	first := time.Date(nextYear, time.Month(nextMonth), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, -1).Day()
}
