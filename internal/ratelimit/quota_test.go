package ratelimit

import (
	"testing"

	guard "github.com/eugener/aiguard/internal"
)

func projectWithMembers(n int) *guard.Project {
	p := &guard.Project{ID: "proj-1"}
	for i := 0; i < n; i++ {
		p.Members = append(p.Members, guard.ProjectMember{UserID: string(rune('a' + i))})
	}
	return p
}

func TestRateLimitFor(t *testing.T) {
	t.Parallel()

	if got := RateLimitFor(nil); got != freePerMin {
		t.Errorf("no project limit = %d", got)
	}
	if got := RateLimitFor(projectWithMembers(1)); got != freePerMin {
		t.Errorf("free tier limit = %d", got)
	}
	if got := RateLimitFor(projectWithMembers(3)); got != proPerMin {
		t.Errorf("pro tier limit = %d", got)
	}
	if got := RateLimitFor(projectWithMembers(6)); got != enterprisePerMin {
		t.Errorf("enterprise tier limit = %d", got)
	}

	override := 42
	p := projectWithMembers(6)
	p.Settings.RateLimitPerMin = &override
	if got := RateLimitFor(p); got != 42 {
		t.Errorf("override limit = %d", got)
	}
}

func TestQuotaFor(t *testing.T) {
	t.Parallel()

	d, m := QuotaFor(projectWithMembers(1))
	if d != freeDaily || m != freeMonthly {
		t.Errorf("free quota = %d/%d", d, m)
	}
	d, m = QuotaFor(projectWithMembers(4))
	if d != proDaily || m != proMonthly {
		t.Errorf("pro quota = %d/%d", d, m)
	}

	// Overrides apply independently.
	daily := int64(7)
	p := projectWithMembers(4)
	p.Settings.QuotaDaily = &daily
	d, m = QuotaFor(p)
	if d != 7 || m != proMonthly {
		t.Errorf("override quota = %d/%d", d, m)
	}
}

func TestCheckQuota(t *testing.T) {
	t.Parallel()

	t.Run("under quota", func(t *testing.T) {
		t.Parallel()
		p := projectWithMembers(1)
		p.Usage.CurrentDay.Requests = 10
		p.Usage.CurrentMonth.Requests = 10
		d := CheckQuota(p)
		if !d.Allowed || d.Denied != "" || d.Warning {
			t.Errorf("decision = %+v", d)
		}
		if d.DailyRemaining() != freeDaily-10 {
			t.Errorf("daily remaining = %d", d.DailyRemaining())
		}
	})

	t.Run("daily exhausted", func(t *testing.T) {
		t.Parallel()
		p := projectWithMembers(1)
		p.Usage.CurrentDay.Requests = freeDaily
		d := CheckQuota(p)
		if d.Allowed || d.Denied != "daily" {
			t.Errorf("decision = %+v", d)
		}
		if d.DailyRemaining() != 0 {
			t.Errorf("daily remaining = %d", d.DailyRemaining())
		}
	})

	t.Run("monthly exhausted", func(t *testing.T) {
		t.Parallel()
		p := projectWithMembers(1)
		p.Usage.CurrentMonth.Requests = freeMonthly
		d := CheckQuota(p)
		if d.Allowed || d.Denied != "monthly" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("daily checked before monthly", func(t *testing.T) {
		t.Parallel()
		p := projectWithMembers(1)
		p.Usage.CurrentDay.Requests = freeDaily
		p.Usage.CurrentMonth.Requests = freeMonthly
		if d := CheckQuota(p); d.Denied != "daily" {
			t.Errorf("denied = %q", d.Denied)
		}
	})

	t.Run("warning near limit", func(t *testing.T) {
		t.Parallel()
		p := projectWithMembers(1)
		p.Usage.CurrentDay.Requests = freeDaily - 5 // 95 of 100
		d := CheckQuota(p)
		if !d.Allowed || !d.Warning {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("nil project unmetered", func(t *testing.T) {
		t.Parallel()
		if d := CheckQuota(nil); !d.Allowed {
			t.Error("nil project denied")
		}
	})
}
