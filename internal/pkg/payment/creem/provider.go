package creem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/Gndys/PayHub/app/models"
	"github.com/Gndys/PayHub/internal/pkg/payment"
)

// Provider adapts Creem's checkout + subscription lifecycle to the canonical
// payment contract. Creem models a persistent customer object and a hosted
// portal but has no call to cancel an unpaid checkout.
type Provider struct {
	client   *Client
	repo     payment.Repository
	sink     payment.Sink
	resolver *payment.Resolver
}

// NewProvider wires the Creem adapter.
func NewProvider(client *Client, repo payment.Repository, sink payment.Sink) *Provider {
	return &Provider{
		client:   client,
		repo:     repo,
		sink:     sink,
		resolver: payment.NewResolver(repo, client),
	}
}

func (p *Provider) Name() string { return models.ProviderCreem }

func (p *Provider) Capabilities() payment.Capabilities {
	return payment.Capabilities{CustomerPortal: true}
}

// CreatePayment opens a checkout session. The local order id travels as
// request_id and inside metadata, so the completion webhook can reference it.
func (p *Provider) CreatePayment(ctx context.Context, params payment.CreatePaymentParams) (*payment.CreatePaymentResult, error) {
	productID, err := p.repo.FindPlanRefForPlan(models.ProviderCreem, params.PlanID)
	if err != nil {
		return nil, fmt.Errorf("no creem product mapped for plan %q: %w", params.PlanID, err)
	}

	customerID, err := p.resolver.ResolveCustomer(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		"order_id": params.OrderID,
		"user_id":  strconv.FormatUint(uint64(params.UserID), 10),
		"plan_id":  params.PlanID,
	}
	for k, v := range params.Metadata {
		meta[k] = v
	}

	checkout, err := p.client.CreateCheckout(ctx, checkoutRequest{
		ProductID:  productID,
		RequestID:  params.OrderID,
		CustomerID: customerID,
		SuccessURL: p.client.SuccessURL,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}

	return &payment.CreatePaymentResult{
		PaymentURL:      checkout.CheckoutURL,
		ProviderOrderID: checkout.ID,
		Metadata:        map[string]string{"checkout_id": checkout.ID},
	}, nil
}

func (p *Provider) QueryOrder(ctx context.Context, orderID string) (*payment.OrderStatus, error) {
	return nil, payment.ErrNotSupported
}

// CloseOrder is a documented no-op: Creem has no API call to cancel an
// unpaid checkout session.
func (p *Provider) CloseOrder(ctx context.Context, orderID string) (bool, error) {
	return false, nil
}

func (p *Provider) CreateCustomerPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	return p.client.CreateBillingPortal(ctx, customerID, returnURL)
}

// webhookEnvelope is the outer shape of every Creem webhook.
type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Object    json.RawMessage `json:"object"`
}

type subscriptionObject struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Customer struct {
		ID string `json:"id"`
	} `json:"customer"`
	Product struct {
		ID string `json:"id"`
	} `json:"product"`
	CurrentPeriodStart string            `json:"current_period_start_date"`
	CurrentPeriodEnd   string            `json:"current_period_end_date"`
	Metadata           map[string]string `json:"metadata"`
}

type checkoutObject struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Customer  struct {
		ID string `json:"id"`
	} `json:"customer"`
	Subscription subscriptionObject `json:"subscription"`
	Product      struct {
		ID string `json:"id"`
	} `json:"product"`
	Order struct {
		ID string `json:"id"`
	} `json:"order"`
	Metadata map[string]string `json:"metadata"`
}

type refundObject struct {
	ID       string `json:"id"`
	Checkout struct {
		RequestID string            `json:"request_id"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"checkout"`
}

// HandleWebhook verifies the HMAC digest, classifies the event and feeds the
// reconciliation engine. Unknown event types are acknowledged untouched so
// Creem does not retry them forever.
func (p *Provider) HandleWebhook(ctx context.Context, req payment.WebhookRequest) payment.WebhookResult {
	if !p.client.VerifyWebhookSignature(req.Body, req.Header(SignatureHeader)) {
		return payment.WebhookResult{Success: false}
	}

	var env webhookEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		log.Printf("[creem] unparseable webhook payload: %v", err)
		return payment.WebhookResult{Success: false, EventID: env.ID}
	}

	res := payment.WebhookResult{EventType: env.EventType, EventID: env.ID}

	switch env.EventType {
	case "checkout.completed":
		res.Success, res.OrderID = p.handleCheckoutCompleted(ctx, env)
	case "subscription.active":
		// Sync-only: always precedes checkout.completed, which owns the
		// subscription creation. Acting here would race a duplicate insert.
		res.Success = true
	case "subscription.paid":
		res.Success = p.applySubscriptionEvent(ctx, env, payment.EventRenewed)
	case "subscription.update":
		res.Success = p.applySubscriptionEvent(ctx, env, payment.EventUpdated)
	case "subscription.canceled":
		res.Success = p.applySubscriptionEvent(ctx, env, payment.EventCanceled)
	case "subscription.expired":
		res.Success = p.applySubscriptionEvent(ctx, env, payment.EventExpired)
	case "refund.created":
		res.Success, res.OrderID = p.handleRefund(ctx, env)
	default:
		log.Printf("[creem] ignoring unknown event type %q", env.EventType)
		res.Success = true
	}
	return res
}

func (p *Provider) handleCheckoutCompleted(ctx context.Context, env webhookEnvelope) (bool, string) {
	var obj checkoutObject
	if err := json.Unmarshal(env.Object, &obj); err != nil {
		log.Printf("[creem] checkout.completed parse: %v", err)
		return false, ""
	}

	orderID := obj.RequestID
	if orderID == "" {
		orderID = obj.Metadata["order_id"]
	}
	if orderID == "" {
		log.Printf("[creem] checkout.completed without request_id or order metadata")
		return false, ""
	}

	ev := payment.PaymentEvent{
		Kind:                   payment.EventCheckoutCompleted,
		Provider:               models.ProviderCreem,
		OrderID:                orderID,
		ProviderOrderID:        obj.Order.ID,
		ProviderSubscriptionID: obj.Subscription.ID,
		ProviderCustomerID:     obj.Customer.ID,
		ProviderPlanRef:        obj.Product.ID,
		RawMetadata:            env.Object,
	}
	if start, end, ok := parsePeriod(obj.Subscription.CurrentPeriodStart, obj.Subscription.CurrentPeriodEnd); ok {
		ev.PeriodStart, ev.PeriodEnd = &start, &end
	}

	if err := p.sink.Apply(ctx, ev); err != nil {
		log.Printf("[creem] checkout.completed reconcile: %v", err)
		return false, orderID
	}

	if uid := parseUserID(obj.Metadata); uid != 0 && obj.Customer.ID != "" {
		if err := p.resolver.CacheCustomerID(ctx, uid, obj.Customer.ID); err != nil {
			log.Printf("[creem] caching customer id: %v", err)
		}
	}
	return true, orderID
}

func (p *Provider) applySubscriptionEvent(ctx context.Context, env webhookEnvelope, kind payment.EventKind) bool {
	var obj subscriptionObject
	if err := json.Unmarshal(env.Object, &obj); err != nil {
		log.Printf("[creem] %s parse: %v", env.EventType, err)
		return false
	}
	if obj.ID == "" {
		log.Printf("[creem] %s without subscription id", env.EventType)
		return false
	}

	ev := payment.PaymentEvent{
		Kind:                   kind,
		Provider:               models.ProviderCreem,
		ProviderSubscriptionID: obj.ID,
		ProviderCustomerID:     obj.Customer.ID,
		ProviderPlanRef:        obj.Product.ID,
		Status:                 normalizeStatus(obj.Status),
		RawMetadata:            env.Object,
	}
	if start, end, ok := parsePeriod(obj.CurrentPeriodStart, obj.CurrentPeriodEnd); ok {
		ev.PeriodStart, ev.PeriodEnd = &start, &end
	}

	if err := p.sink.Apply(ctx, ev); err != nil {
		log.Printf("[creem] %s reconcile: %v", env.EventType, err)
		return false
	}
	return true
}

func (p *Provider) handleRefund(ctx context.Context, env webhookEnvelope) (bool, string) {
	var obj refundObject
	if err := json.Unmarshal(env.Object, &obj); err != nil {
		log.Printf("[creem] refund.created parse: %v", err)
		return false, ""
	}
	orderID := obj.Checkout.RequestID
	if orderID == "" {
		orderID = obj.Checkout.Metadata["order_id"]
	}
	if orderID == "" {
		log.Printf("[creem] refund.created without checkout reference")
		return false, ""
	}
	ev := payment.PaymentEvent{
		Kind:        payment.EventRefunded,
		Provider:    models.ProviderCreem,
		OrderID:     orderID,
		RawMetadata: env.Object,
	}
	if err := p.sink.Apply(ctx, ev); err != nil {
		log.Printf("[creem] refund.created reconcile: %v", err)
		return false, orderID
	}
	return true, orderID
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "paid":
		return models.SubscriptionStatusActive
	case "canceled":
		return models.SubscriptionStatusCanceled
	case "expired":
		return models.SubscriptionStatusExpired
	default:
		return ""
	}
}

func parsePeriod(start, end string) (time.Time, time.Time, bool) {
	s, err1 := parseTimestamp(start)
	e, err2 := parseTimestamp(end)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return s, e, true
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseUserID(meta map[string]string) uint {
	raw, ok := meta["user_id"]
	if !ok {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}
