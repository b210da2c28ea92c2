package payment

import (
	"testing"
	"time"

	"github.com/Gndys/PayHub/app/models"
)

func monthlyPlan() *models.Plan {
	return &models.Plan{PlanID: "pro-monthly", DurationMonths: 1, PaymentType: models.PaymentTypeRecurring}
}

func TestComputePeriodFreshStart(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	p := ComputePeriod(monthlyPlan(), now, nil)
	if !p.Start.Equal(now) {
		t.Fatalf("start = %v, want %v", p.Start, now)
	}
	if want := now.AddDate(0, 1, 0); !p.End.Equal(want) {
		t.Fatalf("end = %v, want %v", p.End, want)
	}
}

func TestComputePeriodExtendsFromFutureEnd(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	existing := now.Add(10 * 24 * time.Hour)
	p := ComputePeriod(monthlyPlan(), now, &existing)
	if !p.Start.Equal(existing) {
		t.Fatalf("start = %v, want existing end %v", p.Start, existing)
	}
	if want := existing.AddDate(0, 1, 0); !p.End.Equal(want) {
		t.Fatalf("end = %v, want %v (extension from existing end, not now)", p.End, want)
	}
}

func TestComputePeriodRestartsAfterLapse(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-24 * time.Hour)
	p := ComputePeriod(monthlyPlan(), now, &stale)
	if !p.Start.Equal(now) {
		t.Fatalf("start = %v, want now %v (stale end must not shorten the grant)", p.Start, now)
	}
	if want := now.AddDate(0, 1, 0); !p.End.Equal(want) {
		t.Fatalf("end = %v, want %v", p.End, want)
	}
}

func TestComputePeriodLifetime(t *testing.T) {
	plan := &models.Plan{PlanID: "lifetime", DurationMonths: models.LifetimeMonthsThreshold, PaymentType: models.PaymentTypeOneTime}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	p := ComputePeriod(plan, now, nil)
	if p.End.Before(now.AddDate(99, 0, 0)) {
		t.Fatalf("lifetime end %v is less than 99 years out", p.End)
	}
	sub := &models.Subscription{Status: models.SubscriptionStatusActive, PeriodStart: p.Start, PeriodEnd: p.End}
	for _, probe := range []time.Time{now, now.AddDate(40, 0, 0), now.AddDate(80, 0, 0)} {
		if !sub.ActiveAt(probe) {
			t.Fatalf("lifetime subscription inactive at %v", probe)
		}
	}
}

func TestAuthoritativePeriod(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	ev := PaymentEvent{PeriodStart: &start, PeriodEnd: &end}
	p, ok := authoritativePeriod(ev)
	if !ok || !p.Start.Equal(start) || !p.End.Equal(end) {
		t.Fatalf("expected processor boundaries to be used verbatim, got %+v ok=%v", p, ok)
	}
	if _, ok := authoritativePeriod(PaymentEvent{PeriodStart: &start}); ok {
		t.Fatalf("half-open boundaries must not be authoritative")
	}
}
