package payment

import (
	"context"
	"testing"
	"time"

	"github.com/Gndys/PayHub/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository for engine tests.
type fakeRepo struct {
	orders   map[string]*models.Order
	subs     []*models.Subscription
	plans    map[string]*models.Plan
	mappings map[string]string // provider|ref -> plan id
	users    map[uint]*models.User
	events   map[string]*models.PaymentWebhookEvent
	nextID   uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:   map[string]*models.Order{},
		plans:    map[string]*models.Plan{},
		mappings: map[string]string{},
		users:    map[uint]*models.User{},
		events:   map[string]*models.PaymentWebhookEvent{},
	}
}

func (f *fakeRepo) InTransaction(fn func(Repository) error) error { return fn(f) }

func (f *fakeRepo) GetOrder(orderID string) (*models.Order, error) {
	if o, ok := f.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) SaveOrder(order *models.Order) error {
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeRepo) GetSubscriptionByProviderID(provider, id string) (*models.Subscription, error) {
	for _, s := range f.subs {
		if s.Provider == provider && s.ProviderSubscriptionID != nil && *s.ProviderSubscriptionID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetSubscriptionForUserPlan(userID uint, planID string) (*models.Subscription, error) {
	for _, s := range f.subs {
		if s.UserID == userID && s.PlanID == planID && s.Status != models.SubscriptionStatusExpired {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) UpsertSubscription(sub *models.Subscription) error {
	if sub.ProviderSubscriptionID != nil {
		for _, s := range f.subs {
			if s.Provider == sub.Provider && s.ProviderSubscriptionID != nil && *s.ProviderSubscriptionID == *sub.ProviderSubscriptionID {
				sub.ID = s.ID
				*s = *sub
				return nil
			}
		}
	}
	if sub.ID != 0 {
		return f.SaveSubscription(sub)
	}
	f.nextID++
	sub.ID = f.nextID
	cp := *sub
	f.subs = append(f.subs, &cp)
	return nil
}

func (f *fakeRepo) SaveSubscription(sub *models.Subscription) error {
	for _, s := range f.subs {
		if s.ID == sub.ID {
			*s = *sub
			return nil
		}
	}
	f.nextID++
	sub.ID = f.nextID
	cp := *sub
	f.subs = append(f.subs, &cp)
	return nil
}

func (f *fakeRepo) GetPlan(planID string) (*models.Plan, error) {
	if p, ok := f.plans[planID]; ok {
		return p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindActivePlanMapping(provider, ref string) (*models.PlanMapping, error) {
	if planID, ok := f.mappings[provider+"|"+ref]; ok {
		return &models.PlanMapping{Provider: provider, ProviderPlanRef: ref, PlanID: planID, IsActive: true}, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindPlanRefForPlan(provider, planID string) (string, error) {
	for key, mapped := range f.mappings {
		if mapped == planID && len(key) > len(provider) && key[:len(provider)] == provider {
			return key[len(provider)+1:], nil
		}
	}
	return "", gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetUser(userID uint) (*models.User, error) {
	if u, ok := f.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) SaveUser(user *models.User) error {
	cp := *user
	f.users[user.ID] = &cp
	return nil
}

func (f *fakeRepo) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := f.events[key]; ok {
		return false, stored, nil
	}
	f.nextID++
	event.ID = f.nextID
	cp := *event
	f.events[key] = &cp
	return true, &cp, nil
}

func (f *fakeRepo) MarkWebhookProcessed(id uint, signatureValid bool, processingError string) error {
	for _, e := range f.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.SignatureValid = signatureValid
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func seedRepo() *fakeRepo {
	repo := newFakeRepo()
	repo.plans["pro-monthly"] = &models.Plan{
		PlanID: "pro-monthly", Name: "Pro Monthly",
		Amount: decimal.NewFromInt(9), Currency: "USD",
		DurationMonths: 1, PaymentType: models.PaymentTypeRecurring, IsActive: true,
	}
	repo.plans["lifetime"] = &models.Plan{
		PlanID: "lifetime", Name: "Lifetime",
		Amount: decimal.NewFromInt(199), Currency: "USD",
		DurationMonths: models.LifetimeMonthsThreshold, PaymentType: models.PaymentTypeOneTime, IsActive: true,
	}
	repo.orders["ord_1"] = &models.Order{
		ID: "ord_1", UserID: 7, PlanID: "pro-monthly",
		Amount: decimal.NewFromInt(9), Currency: "USD",
		Status: models.OrderStatusPending, Provider: models.ProviderCreem,
	}
	return repo
}

func testEngine(repo Repository, at time.Time) *Engine {
	e := NewEngine(repo)
	e.now = func() time.Time { return at }
	return e
}

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	repo := seedRepo()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	engine := testEngine(repo, now)

	ev := PaymentEvent{
		Kind:                   EventCheckoutCompleted,
		Provider:               models.ProviderCreem,
		OrderID:                "ord_1",
		ProviderOrderID:        "ch_abc",
		ProviderSubscriptionID: "sub_abc",
		ProviderCustomerID:     "cus_abc",
	}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := repo.orders["ord_1"].Status; got != models.OrderStatusPaid {
		t.Fatalf("order status = %q, want paid", got)
	}
	if len(repo.subs) != 1 {
		t.Fatalf("want 1 subscription, got %d", len(repo.subs))
	}
	sub := repo.subs[0]
	if sub.UserID != 7 || sub.PlanID != "pro-monthly" || sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if want := now.AddDate(0, 1, 0); !sub.PeriodEnd.Equal(want) {
		t.Fatalf("period end = %v, want %v", sub.PeriodEnd, want)
	}
	if sub.CancelAtPeriodEnd {
		t.Fatalf("recurring plan must not cancel at period end on creation")
	}
}

func TestCheckoutCompletedIsIdempotent(t *testing.T) {
	repo := seedRepo()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	engine := testEngine(repo, now)

	ev := PaymentEvent{
		Kind:                   EventCheckoutCompleted,
		Provider:               models.ProviderCreem,
		OrderID:                "ord_1",
		ProviderSubscriptionID: "sub_abc",
	}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	firstEnd := repo.subs[0].PeriodEnd

	// Redelivery of the identical event.
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(repo.subs) != 1 {
		t.Fatalf("replay created a duplicate row: %d subscriptions", len(repo.subs))
	}
	if !repo.subs[0].PeriodEnd.Equal(firstEnd) {
		t.Fatalf("replay extended the period: %v -> %v", firstEnd, repo.subs[0].PeriodEnd)
	}
}

func TestCheckoutCompletedExtendsExistingPeriod(t *testing.T) {
	repo := seedRepo()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	existingEnd := now.Add(10 * 24 * time.Hour)
	subID := "sub_old"
	repo.subs = append(repo.subs, &models.Subscription{
		ID: 99, UserID: 7, PlanID: "pro-monthly",
		Status: models.SubscriptionStatusActive, PaymentType: models.PaymentTypeRecurring,
		Provider: models.ProviderCreem, ProviderSubscriptionID: &subID,
		PeriodStart: now.AddDate(0, -1, 0), PeriodEnd: existingEnd,
	})

	engine := testEngine(repo, now)
	ev := PaymentEvent{
		Kind:     EventCheckoutCompleted,
		Provider: models.ProviderCreem,
		OrderID:  "ord_1",
	}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(repo.subs) != 1 {
		t.Fatalf("extension inserted a duplicate row")
	}
	if want := existingEnd.AddDate(0, 1, 0); !repo.subs[0].PeriodEnd.Equal(want) {
		t.Fatalf("period end = %v, want %v (appended to existing end)", repo.subs[0].PeriodEnd, want)
	}
}

func TestRenewedOverwritesPeriodFromProcessor(t *testing.T) {
	repo := seedRepo()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	subID := "sub_abc"
	repo.subs = append(repo.subs, &models.Subscription{
		ID: 1, UserID: 7, PlanID: "pro-monthly",
		Status: models.SubscriptionStatusActive, Provider: models.ProviderCreem,
		ProviderSubscriptionID: &subID,
		PeriodStart:            now.AddDate(0, -1, 0), PeriodEnd: now,
	})

	start := now
	end := now.AddDate(0, 1, 0)
	engine := testEngine(repo, now)
	ev := PaymentEvent{
		Kind: EventRenewed, Provider: models.ProviderCreem,
		ProviderSubscriptionID: "sub_abc",
		PeriodStart:            &start, PeriodEnd: &end,
	}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !repo.subs[0].PeriodEnd.Equal(end) {
		t.Fatalf("renewal did not take processor boundaries: %v", repo.subs[0].PeriodEnd)
	}
}

func TestRenewedUnknownSubscriptionIsSoftSuccess(t *testing.T) {
	repo := seedRepo()
	engine := testEngine(repo, time.Now())
	ev := PaymentEvent{
		Kind: EventRenewed, Provider: models.ProviderCreem,
		ProviderSubscriptionID: "sub_never_seen",
	}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("renewal before completion must not fail: %v", err)
	}
	if len(repo.subs) != 0 {
		t.Fatalf("renewal must not create subscriptions")
	}
}

func TestUpdatedRemapsPlanFromProviderRef(t *testing.T) {
	repo := seedRepo()
	repo.mappings[models.ProviderCreem+"|prod_max"] = "lifetime"
	subID := "sub_abc"
	repo.subs = append(repo.subs, &models.Subscription{
		ID: 1, UserID: 7, PlanID: "pro-monthly",
		Status: models.SubscriptionStatusActive, Provider: models.ProviderCreem,
		ProviderSubscriptionID: &subID,
	})

	engine := testEngine(repo, time.Now())
	ev := PaymentEvent{
		Kind: EventUpdated, Provider: models.ProviderCreem,
		ProviderSubscriptionID: "sub_abc",
		ProviderPlanRef:        "prod_max",
		Status:                 models.SubscriptionStatusActive,
	}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if repo.subs[0].PlanID != "lifetime" {
		t.Fatalf("plan not re-mapped: %q", repo.subs[0].PlanID)
	}
}

func TestUpdatedUnknownSubscriptionIsHardFailure(t *testing.T) {
	repo := seedRepo()
	engine := testEngine(repo, time.Now())
	ev := PaymentEvent{
		Kind: EventUpdated, Provider: models.ProviderCreem,
		ProviderSubscriptionID: "sub_missing",
	}
	if err := engine.Apply(context.Background(), ev); err == nil {
		t.Fatalf("update without a local row must fail so the processor redelivers")
	}
}

func TestCancelThenExpireAndReverse(t *testing.T) {
	run := func(t *testing.T, kinds []EventKind) {
		repo := seedRepo()
		subID := "sub_abc"
		repo.subs = append(repo.subs, &models.Subscription{
			ID: 1, UserID: 7, PlanID: "pro-monthly",
			Status: models.SubscriptionStatusActive, Provider: models.ProviderCreem,
			ProviderSubscriptionID: &subID,
		})
		engine := testEngine(repo, time.Now())
		for _, kind := range kinds {
			ev := PaymentEvent{Kind: kind, Provider: models.ProviderCreem, ProviderSubscriptionID: "sub_abc"}
			if err := engine.Apply(context.Background(), ev); err != nil {
				t.Fatalf("apply %s: %v", kind, err)
			}
		}
		sub := repo.subs[0]
		if !sub.CancelAtPeriodEnd {
			t.Fatalf("cancel_at_period_end not set after %v", kinds)
		}
		if sub.Status != models.SubscriptionStatusExpired {
			t.Fatalf("status = %q after %v, want expired", sub.Status, kinds)
		}
	}

	t.Run("cancel then expire", func(t *testing.T) {
		run(t, []EventKind{EventCanceled, EventExpired})
	})
	t.Run("expire then cancel (redelivery race)", func(t *testing.T) {
		run(t, []EventKind{EventExpired, EventCanceled})
	})
}

func TestCanceledDoesNotChangeStatus(t *testing.T) {
	repo := seedRepo()
	subID := "sub_abc"
	repo.subs = append(repo.subs, &models.Subscription{
		ID: 1, UserID: 7, PlanID: "pro-monthly",
		Status: models.SubscriptionStatusActive, Provider: models.ProviderCreem,
		ProviderSubscriptionID: &subID,
	})
	engine := testEngine(repo, time.Now())
	ev := PaymentEvent{Kind: EventCanceled, Provider: models.ProviderCreem, ProviderSubscriptionID: "sub_abc"}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sub := repo.subs[0]
	if sub.Status != models.SubscriptionStatusActive || !sub.CancelAtPeriodEnd {
		t.Fatalf("cancel must flip the flag only, got status=%q flag=%v", sub.Status, sub.CancelAtPeriodEnd)
	}
}

func TestCanceledClosesUnpaidOrder(t *testing.T) {
	repo := seedRepo()
	engine := testEngine(repo, time.Now())
	ev := PaymentEvent{Kind: EventCanceled, Provider: models.ProviderAlipay, OrderID: "ord_1"}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := repo.orders["ord_1"].Status; got != models.OrderStatusCanceled {
		t.Fatalf("order status = %q, want canceled", got)
	}
}

func TestRefundedRequiresPaidOrder(t *testing.T) {
	repo := seedRepo()
	engine := testEngine(repo, time.Now())
	ev := PaymentEvent{Kind: EventRefunded, Provider: models.ProviderWechat, OrderID: "ord_1"}
	if err := engine.Apply(context.Background(), ev); err == nil {
		t.Fatalf("refund of a pending order must be rejected")
	}

	repo.orders["ord_1"].Status = models.OrderStatusPaid
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("refund of a paid order: %v", err)
	}
	if got := repo.orders["ord_1"].Status; got != models.OrderStatusRefunded {
		t.Fatalf("order status = %q, want refunded", got)
	}
	// Replay.
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("refund replay: %v", err)
	}
}

func TestLifetimeCheckout(t *testing.T) {
	repo := seedRepo()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	repo.orders["ord_lt"] = &models.Order{
		ID: "ord_lt", UserID: 7, PlanID: "lifetime",
		Amount: decimal.NewFromInt(199), Currency: "USD",
		Status: models.OrderStatusPending, Provider: models.ProviderWechat,
	}
	engine := testEngine(repo, now)
	ev := PaymentEvent{Kind: EventCheckoutCompleted, Provider: models.ProviderWechat, OrderID: "ord_lt"}
	if err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sub := repo.subs[0]
	if sub.PeriodEnd.Before(now.AddDate(99, 0, 0)) {
		t.Fatalf("lifetime grant ends too early: %v", sub.PeriodEnd)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatalf("one-time plan must set cancel_at_period_end at creation")
	}
	meta, err := models.DecodeSubscriptionMeta(sub.Metadata)
	if err != nil || !meta.IsLifetime {
		t.Fatalf("metadata is_lifetime not set: %+v err=%v", meta, err)
	}
}
