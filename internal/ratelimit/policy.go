// Package ratelimit enforces per-caller sliding-window rate limits and
// project quota admission. Two limiter backends exist: an in-process window
// map for single-node deployments and a Redis sorted-set implementation for
// fleets.
package ratelimit

import (
	guard "github.com/eugener/aiguard/internal"
)

// Window is the sliding-window span for all rate limits.
const Window = 60 // seconds

// Per-minute request ceilings by tier.
const (
	freePerMin       = 10
	proPerMin        = 100
	enterprisePerMin = 1000
)

// Daily / monthly request quotas by tier.
const (
	freeDaily    int64 = 100
	freeMonthly  int64 = 1_000
	proDaily     int64 = 5_000
	proMonthly   int64 = 50_000
	entDaily     int64 = 50_000
	entMonthly   int64 = 1_000_000
)

// RateLimitFor returns the per-minute ceiling for a request. A project
// override beats the tier default; no project means the free-tier default.
func RateLimitFor(project *guard.Project) int {
	if project != nil && project.Settings.RateLimitPerMin != nil {
		return *project.Settings.RateLimitPerMin
	}
	return tierRate(tierOf(project))
}

// QuotaFor returns the (daily, monthly) request quotas for a project,
// applying overrides individually.
func QuotaFor(project *guard.Project) (daily, monthly int64) {
	daily, monthly = tierQuota(tierOf(project))
	if project != nil {
		if project.Settings.QuotaDaily != nil {
			daily = *project.Settings.QuotaDaily
		}
		if project.Settings.QuotaMonthly != nil {
			monthly = *project.Settings.QuotaMonthly
		}
	}
	return daily, monthly
}

func tierOf(project *guard.Project) guard.Tier {
	if project == nil {
		return guard.TierFree
	}
	return project.Tier()
}

func tierRate(t guard.Tier) int {
	switch t {
	case guard.TierPro:
		return proPerMin
	case guard.TierEnterprise:
		return enterprisePerMin
	default:
		return freePerMin
	}
}

func tierQuota(t guard.Tier) (daily, monthly int64) {
	switch t {
	case guard.TierPro:
		return proDaily, proMonthly
	case guard.TierEnterprise:
		return entDaily, entMonthly
	default:
		return freeDaily, freeMonthly
	}
}
