package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Gndys/PayHub/app/models"
	"gorm.io/gorm"
)

// Engine is the state machine applying verified payment events to Order and
// Subscription rows. Every write sets absolute fields and every transition is
// keyed by a processor-native identifier, so redelivery is always safe.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates a reconciliation engine on top of a repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Apply runs one canonical event inside a single transaction. Order update
// and subscription upsert commit together; a crash mid-transition never
// leaves a paid order without its subscription.
func (e *Engine) Apply(ctx context.Context, ev PaymentEvent) error {
	_ = ctx
	return e.repo.InTransaction(func(repo Repository) error {
		switch ev.Kind {
		case EventCheckoutCompleted:
			return e.applyCheckoutCompleted(repo, ev)
		case EventRenewed:
			return e.applyRenewed(repo, ev)
		case EventUpdated:
			return e.applyUpdated(repo, ev)
		case EventCanceled:
			return e.applyCanceled(repo, ev)
		case EventExpired:
			return e.applyExpired(repo, ev)
		case EventRefunded:
			return e.applyRefunded(repo, ev)
		default:
			return fmt.Errorf("unknown payment event kind %q", ev.Kind)
		}
	})
}

// applyCheckoutCompleted is the single authoritative grant-access transition.
// The order's paid flag doubles as the idempotency guard: once it commits
// together with the subscription upsert, a replay is a no-op.
func (e *Engine) applyCheckoutCompleted(repo Repository, ev PaymentEvent) error {
	order, err := repo.GetOrder(ev.OrderID)
	if err != nil {
		return fmt.Errorf("checkout_completed: order %q not found: %w", ev.OrderID, err)
	}
	if order.Status == models.OrderStatusPaid {
		return nil
	}
	if err := order.Transition(models.OrderStatusPaid); err != nil {
		return err
	}
	if ev.ProviderOrderID != "" {
		pid := ev.ProviderOrderID
		order.ProviderOrderID = &pid
	}
	if err := e.stampOrderMeta(order, ev); err != nil {
		return err
	}
	if err := repo.SaveOrder(order); err != nil {
		return err
	}

	plan, err := repo.GetPlan(order.PlanID)
	if err != nil {
		return fmt.Errorf("checkout_completed: plan %q not found: %w", order.PlanID, err)
	}

	sub, err := e.matchSubscription(repo, ev, order)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := e.now().UTC()
	var period Period
	if p, ok := authoritativePeriod(ev); ok {
		period = p
	} else {
		var existingEnd *time.Time
		if sub != nil && sub.Status != models.SubscriptionStatusExpired {
			existingEnd = &sub.PeriodEnd
		}
		period = ComputePeriod(plan, now, existingEnd)
	}

	if sub == nil {
		sub = &models.Subscription{
			UserID:   order.UserID,
			PlanID:   order.PlanID,
			Provider: ev.Provider,
		}
	}
	sub.Status = models.SubscriptionStatusActive
	sub.PaymentType = plan.PaymentType
	sub.PeriodStart = period.Start
	sub.PeriodEnd = period.End
	// One-time plans have no renewal to prevent; the flag is set up front.
	sub.CancelAtPeriodEnd = plan.PaymentType == models.PaymentTypeOneTime
	applyProviderIDs(sub, ev)
	if err := e.stampSubscriptionMeta(sub, plan, ev); err != nil {
		return err
	}
	return repo.UpsertSubscription(sub)
}

// applyRenewed updates the matched subscription with processor-authoritative
// boundaries. A missing local row is a soft failure: the completion event may
// not have landed yet, or the processor reports the first charge as a
// renewal. Either way the completion handler owns creation.
func (e *Engine) applyRenewed(repo Repository, ev PaymentEvent) error {
	if ev.ProviderSubscriptionID == "" {
		return errors.New("renewed: event carries no provider subscription id")
	}
	sub, err := repo.GetSubscriptionByProviderID(ev.Provider, ev.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[payment] renewal for unknown %s subscription %s, deferring to completion event", ev.Provider, ev.ProviderSubscriptionID)
			return nil
		}
		return err
	}

	sub.Status = models.SubscriptionStatusActive
	if p, ok := authoritativePeriod(ev); ok {
		sub.PeriodStart = p.Start
		sub.PeriodEnd = p.End
	} else {
		log.Printf("[payment] renewal for %s subscription %s without period boundaries, keeping stored window", ev.Provider, ev.ProviderSubscriptionID)
	}
	return repo.SaveSubscription(sub)
}

// applyUpdated re-maps status and, when the processor reports a plan change,
// re-resolves which local plan the provider price/product now refers to.
func (e *Engine) applyUpdated(repo Repository, ev PaymentEvent) error {
	sub, err := e.requireSubscription(repo, ev, "updated")
	if err != nil {
		return err
	}

	if ev.Status != "" {
		sub.Status = ev.Status
	}
	if ev.ProviderPlanRef != "" {
		mapping, err := repo.FindActivePlanMapping(ev.Provider, ev.ProviderPlanRef)
		if err != nil {
			return fmt.Errorf("updated: no plan mapping for %s ref %q: %w", ev.Provider, ev.ProviderPlanRef, err)
		}
		sub.PlanID = mapping.PlanID
	}
	if p, ok := authoritativePeriod(ev); ok {
		sub.PeriodStart = p.Start
		sub.PeriodEnd = p.End
	}
	return repo.SaveSubscription(sub)
}

// applyCanceled flips cancel-at-period-end only; the grant stays usable until
// the period lapses. A cancel referencing a local order instead of a
// subscription closes the unpaid order (processor-initiated trade close).
func (e *Engine) applyCanceled(repo Repository, ev PaymentEvent) error {
	if ev.ProviderSubscriptionID == "" && ev.OrderID != "" {
		order, err := repo.GetOrder(ev.OrderID)
		if err != nil {
			return fmt.Errorf("canceled: order %q not found: %w", ev.OrderID, err)
		}
		if order.Status == models.OrderStatusCanceled {
			return nil
		}
		if err := order.Transition(models.OrderStatusCanceled); err != nil {
			return err
		}
		return repo.SaveOrder(order)
	}

	sub, err := e.requireSubscription(repo, ev, "canceled")
	if err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = true
	return repo.SaveSubscription(sub)
}

// applyExpired is terminal and unconditional.
func (e *Engine) applyExpired(repo Repository, ev PaymentEvent) error {
	sub, err := e.requireSubscription(repo, ev, "expired")
	if err != nil {
		return err
	}
	sub.Status = models.SubscriptionStatusExpired
	return repo.SaveSubscription(sub)
}

func (e *Engine) applyRefunded(repo Repository, ev PaymentEvent) error {
	order, err := repo.GetOrder(ev.OrderID)
	if err != nil {
		return fmt.Errorf("refunded: order %q not found: %w", ev.OrderID, err)
	}
	if order.Status == models.OrderStatusRefunded {
		return nil
	}
	if err := order.Transition(models.OrderStatusRefunded); err != nil {
		return err
	}
	return repo.SaveOrder(order)
}

// requireSubscription resolves the row update/cancel/expire-class events must
// mutate. Missing rows are hard failures so the processor redelivers after
// the completion event lands.
func (e *Engine) requireSubscription(repo Repository, ev PaymentEvent, kind string) (*models.Subscription, error) {
	if ev.ProviderSubscriptionID == "" {
		return nil, fmt.Errorf("%s: event carries no provider subscription id", kind)
	}
	sub, err := repo.GetSubscriptionByProviderID(ev.Provider, ev.ProviderSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: no local subscription for %s id %q: %w", kind, ev.Provider, ev.ProviderSubscriptionID, err)
	}
	return sub, nil
}

// matchSubscription finds the row a completion event should extend: by the
// processor-native subscription id when present, by (user, plan) otherwise.
func (e *Engine) matchSubscription(repo Repository, ev PaymentEvent, order *models.Order) (*models.Subscription, error) {
	if ev.ProviderSubscriptionID != "" {
		sub, err := repo.GetSubscriptionByProviderID(ev.Provider, ev.ProviderSubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return repo.GetSubscriptionForUserPlan(order.UserID, order.PlanID)
}

func applyProviderIDs(sub *models.Subscription, ev PaymentEvent) {
	sub.Provider = ev.Provider
	if ev.ProviderSubscriptionID != "" {
		id := ev.ProviderSubscriptionID
		sub.ProviderSubscriptionID = &id
	}
	if ev.ProviderCustomerID != "" {
		id := ev.ProviderCustomerID
		sub.ProviderCustomerID = &id
	}
}

func (e *Engine) stampOrderMeta(order *models.Order, ev PaymentEvent) error {
	meta, err := models.DecodeOrderMeta(order.Metadata)
	if err != nil {
		meta = models.NewOrderMeta()
	}
	if ev.ProviderOrderID != "" {
		meta.ProviderTxnID = ev.ProviderOrderID
	}
	if len(ev.RawMetadata) > 0 {
		meta.RawFragment = ev.RawMetadata
	}
	raw, err := models.EncodeOrderMeta(meta)
	if err != nil {
		return err
	}
	order.Metadata = raw
	return nil
}

func (e *Engine) stampSubscriptionMeta(sub *models.Subscription, plan *models.Plan, ev PaymentEvent) error {
	meta, err := models.DecodeSubscriptionMeta(sub.Metadata)
	if err != nil {
		meta = models.SubscriptionMeta{}
	}
	meta.IsLifetime = plan.IsLifetime()
	if meta.ProviderIDs == nil {
		meta.ProviderIDs = map[string]string{}
	}
	if ev.ProviderSubscriptionID != "" {
		meta.ProviderIDs[ev.Provider+":subscription"] = ev.ProviderSubscriptionID
	}
	if ev.ProviderCustomerID != "" {
		meta.ProviderIDs[ev.Provider+":customer"] = ev.ProviderCustomerID
	}
	if len(ev.RawMetadata) > 0 {
		meta.RawFragment = ev.RawMetadata
	}
	raw, err := models.EncodeSubscriptionMeta(meta)
	if err != nil {
		return err
	}
	sub.Metadata = raw
	return nil
}
