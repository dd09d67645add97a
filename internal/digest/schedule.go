// Package digest discovers digest schedules from the configuration,
// collects and ranks unprocessed feed messages per cadence, and sends
// the rendered summaries.
package digest

import (
	"time"

	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

// Interval cadences anchor to wall-clock hours divisible by the
// interval, so every_6h fires at 00, 06, 12, 18 regardless of when the
// process started.
func anchorHours(c profile.Cadence) int {
	switch c {
	case profile.CadenceEvery4h:
		return 4
	case profile.CadenceEvery6h:
		return 6
	case profile.CadenceEvery12h:
		return 12
	default:
		return 0
	}
}

// firstRunGraceMinutes bounds how late into the hour a fresh hourly
// schedule may still fire its first digest.
const firstRunGraceMinutes = 5

// Due reports whether a cadence should fire at now given its last run.
// A zero lastRun means the schedule has never fired.
func Due(plan *Plan, now, lastRun time.Time) bool {
	now = now.UTC()
	lastRun = lastRun.UTC()

	switch plan.Schedule {
	case profile.CadenceHourly:
		if lastRun.IsZero() {
			return now.Minute() < firstRunGraceMinutes
		}

		return now.Truncate(time.Hour).After(lastRun.Truncate(time.Hour))
	case profile.CadenceEvery4h, profile.CadenceEvery6h, profile.CadenceEvery12h:
		interval := anchorHours(plan.Schedule)
		if now.Hour()%interval != 0 {
			return false
		}

		if lastRun.IsZero() {
			return now.Minute() < firstRunGraceMinutes
		}

		return now.Truncate(time.Hour).After(lastRun.Truncate(time.Hour))
	case profile.CadenceDaily:
		if now.Hour() != plan.DailyHour {
			return false
		}

		return lastRun.IsZero() || !sameDay(now, lastRun)
	case profile.CadenceWeekly:
		if int(now.Weekday()) != plan.WeeklyDay || now.Hour() != plan.WeeklyHour {
			return false
		}

		return lastRun.IsZero() || now.Sub(lastRun) > 6*24*time.Hour
	default:
		return false
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()

	return ay == by && am == bm && ad == bd
}
