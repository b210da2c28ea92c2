package alipay

import (
	"context"
	"encoding/json"
	"log"

	"github.com/Gndys/PayHub/app/models"
	"github.com/Gndys/PayHub/internal/pkg/payment"
)

// Provider adapts Alipay page payments to the canonical payment contract.
// One-shot trades only: no subscription objects and no customer portal.
type Provider struct {
	client *Client
	repo   payment.Repository
	sink   payment.Sink
}

// NewProvider wires the Alipay adapter.
func NewProvider(client *Client, repo payment.Repository, sink payment.Sink) *Provider {
	return &Provider{client: client, repo: repo, sink: sink}
}

func (p *Provider) Name() string { return models.ProviderAlipay }

func (p *Provider) Capabilities() payment.Capabilities {
	return payment.Capabilities{QueryOrder: true, CloseOrder: true}
}

// CreatePayment opens a page payment. The local order id is the
// out_trade_no, so the trade notification maps straight back.
func (p *Provider) CreatePayment(ctx context.Context, params payment.CreatePaymentParams) (*payment.CreatePaymentResult, error) {
	plan, err := p.repo.GetPlan(params.PlanID)
	if err != nil {
		return nil, err
	}

	redirectURL, err := p.client.CreatePagePayment(ctx, params.OrderID, plan.Name, params.Amount.StringFixed(2))
	if err != nil {
		return nil, err
	}
	return &payment.CreatePaymentResult{PaymentURL: redirectURL}, nil
}

func (p *Provider) QueryOrder(ctx context.Context, orderID string) (*payment.OrderStatus, error) {
	trade, err := p.client.QueryTrade(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &payment.OrderStatus{
		OrderID:         orderID,
		ProviderOrderID: trade.TradeNo,
		Paid:            trade.TradeStatus == "TRADE_SUCCESS" || trade.TradeStatus == "TRADE_FINISHED",
		Status:          trade.TradeStatus,
	}, nil
}

func (p *Provider) CloseOrder(ctx context.Context, orderID string) (bool, error) {
	if err := p.client.CloseTrade(ctx, orderID); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) CreateCustomerPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", payment.ErrNotSupported
}

// tradeNotification is the signed webhook body for trade status changes.
type tradeNotification struct {
	NotifyID    string `json:"notify_id"`
	NotifyType  string `json:"notify_type"`
	OutTradeNo  string `json:"out_trade_no"`
	TradeNo     string `json:"trade_no"`
	TradeStatus string `json:"trade_status"`
	TotalAmount string `json:"total_amount"`
}

// HandleWebhook verifies the platform signature on a trade status
// notification and feeds the reconciliation engine. TRADE_SUCCESS and
// TRADE_FINISHED grant the order, TRADE_CLOSED closes an unpaid one, and
// anything else is acknowledged without effect.
func (p *Provider) HandleWebhook(ctx context.Context, req payment.WebhookRequest) payment.WebhookResult {
	err := p.client.VerifyNotification(
		req.Header(HeaderTimestamp),
		req.Header(HeaderNonce),
		req.Header(HeaderSerial),
		req.Header(HeaderSignature),
		req.Body,
	)
	if err != nil {
		log.Printf("[alipay] notification verification failed: %v", err)
		return payment.WebhookResult{Success: false}
	}

	var n tradeNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		log.Printf("[alipay] unparseable notification: %v", err)
		return payment.WebhookResult{Success: false}
	}

	res := payment.WebhookResult{
		EventType: n.TradeStatus,
		EventID:   n.NotifyID,
		OrderID:   n.OutTradeNo,
	}
	if n.OutTradeNo == "" {
		log.Printf("[alipay] notification %s without out_trade_no", n.NotifyID)
		return res
	}

	var ev payment.PaymentEvent
	switch n.TradeStatus {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		ev = payment.PaymentEvent{
			Kind:            payment.EventCheckoutCompleted,
			Provider:        models.ProviderAlipay,
			OrderID:         n.OutTradeNo,
			ProviderOrderID: n.TradeNo,
			RawMetadata:     json.RawMessage(req.Body),
		}
	case "TRADE_CLOSED":
		ev = payment.PaymentEvent{
			Kind:        payment.EventCanceled,
			Provider:    models.ProviderAlipay,
			OrderID:     n.OutTradeNo,
			RawMetadata: json.RawMessage(req.Body),
		}
	default:
		log.Printf("[alipay] ignoring trade status %q for %s", n.TradeStatus, n.OutTradeNo)
		res.Success = true
		return res
	}

	if err := p.sink.Apply(ctx, ev); err != nil {
		log.Printf("[alipay] reconcile %s: %v", n.OutTradeNo, err)
		return res
	}
	res.Success = true
	return res
}
