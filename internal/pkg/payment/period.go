package payment

import (
	"time"

	"github.com/Gndys/PayHub/app/models"
)

// lifetimeYears is the fixed offset applied to plans at or beyond the
// lifetime threshold. Keeps period ends concrete and comparable instead of
// sentinel values.
const lifetimeYears = 100

// Period is the [Start, End) window a payment covers.
type Period struct {
	Start time.Time
	End   time.Time
}

// ComputePeriod derives the covered window for a plan purchase confirmed at
// now. If the user still has time left on an existing subscription for the
// same plan, the new period is appended to the existing end so paying early
// never loses unused time; a lapsed period restarts from now.
func ComputePeriod(plan *models.Plan, now time.Time, existingEnd *time.Time) Period {
	now = now.UTC()
	start := now
	if existingEnd != nil && existingEnd.After(now) {
		start = existingEnd.UTC()
	}
	return Period{Start: start, End: addPlanDuration(plan, start)}
}

func addPlanDuration(plan *models.Plan, from time.Time) time.Time {
	if plan.IsLifetime() {
		return from.AddDate(lifetimeYears, 0, 0)
	}
	return from.AddDate(0, plan.DurationMonths, 0)
}

// authoritativePeriod prefers processor-supplied boundaries over local
// computation. Recurring renewals always carry them; one-time purchases
// usually do not.
func authoritativePeriod(ev PaymentEvent) (Period, bool) {
	if ev.PeriodStart == nil || ev.PeriodEnd == nil {
		return Period{}, false
	}
	return Period{Start: ev.PeriodStart.UTC(), End: ev.PeriodEnd.UTC()}, true
}
