package ratelimit

import (
	guard "github.com/eugener/aiguard/internal"
)

// warnThreshold is the utilization fraction above which a quota warning is
// surfaced to the caller.
const warnThreshold = 0.9

// QuotaDecision is the outcome of quota admission for one request.
type QuotaDecision struct {
	Allowed bool
	// Denied names the bucket that rejected the request: "daily" or
	// "monthly". Empty when allowed.
	Denied string

	DailyUsed    int64
	DailyLimit   int64
	MonthlyUsed  int64
	MonthlyLimit int64

	// Warning is set when either bucket crosses 90% utilization after this
	// request would be counted.
	Warning bool
}

// CheckQuota admits a request against the project's rolling counters. The
// counters are trusted as-is: the reset worker zeroes them on bucket
// boundaries, so admission never consults the clock. A nil project (pure
// system-key traffic without tenancy) is unmetered.
func CheckQuota(project *guard.Project) QuotaDecision {
	if project == nil {
		return QuotaDecision{Allowed: true}
	}

	daily, monthly := QuotaFor(project)
	d := QuotaDecision{
		DailyUsed:    project.Usage.CurrentDay.Requests,
		DailyLimit:   daily,
		MonthlyUsed:  project.Usage.CurrentMonth.Requests,
		MonthlyLimit: monthly,
	}

	// A zero or negative limit means the bucket is unlimited.
	switch {
	case daily > 0 && d.DailyUsed >= daily:
		d.Denied = "daily"
	case monthly > 0 && d.MonthlyUsed >= monthly:
		d.Denied = "monthly"
	default:
		d.Allowed = true
	}

	if d.Allowed {
		if daily > 0 && float64(d.DailyUsed+1) >= warnThreshold*float64(daily) {
			d.Warning = true
		}
		if monthly > 0 && float64(d.MonthlyUsed+1) >= warnThreshold*float64(monthly) {
			d.Warning = true
		}
	}
	return d
}

// DailyRemaining reports requests left in the daily bucket, floored at zero.
func (d QuotaDecision) DailyRemaining() int64 {
	if rem := d.DailyLimit - d.DailyUsed; rem > 0 {
		return rem
	}
	return 0
}

// MonthlyRemaining reports requests left in the monthly bucket, floored at
// zero.
func (d QuotaDecision) MonthlyRemaining() int64 {
	if rem := d.MonthlyLimit - d.MonthlyUsed; rem > 0 {
		return rem
	}
	return 0
}
