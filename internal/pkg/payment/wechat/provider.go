package wechat

import (
	"context"
	"encoding/json"
	"log"

	"github.com/Gndys/PayHub/app/models"
	"github.com/Gndys/PayHub/internal/pkg/payment"
	"github.com/shopspring/decimal"
)

// Webhook signature headers set by the platform.
const (
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSignature = "Wechatpay-Signature"
	HeaderSerial    = "Wechatpay-Serial"
)

// Provider adapts WeChat Pay Native transactions to the canonical payment
// contract. One-shot QR payments only: no subscription objects and no
// customer portal, but query and close are supported for polling flows.
type Provider struct {
	client *Client
	repo   payment.Repository
	sink   payment.Sink
}

// NewProvider wires the WeChat Pay adapter.
func NewProvider(client *Client, repo payment.Repository, sink payment.Sink) *Provider {
	return &Provider{client: client, repo: repo, sink: sink}
}

func (p *Provider) Name() string { return models.ProviderWechat }

func (p *Provider) Capabilities() payment.Capabilities {
	return payment.Capabilities{QueryOrder: true, CloseOrder: true}
}

// CreatePayment opens a Native prepay transaction. The local order id is the
// out_trade_no, so the success notification maps straight back.
func (p *Provider) CreatePayment(ctx context.Context, params payment.CreatePaymentParams) (*payment.CreatePaymentResult, error) {
	plan, err := p.repo.GetPlan(params.PlanID)
	if err != nil {
		return nil, err
	}

	total := params.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	codeURL, err := p.client.CreateNativeTransaction(ctx, params.OrderID, plan.Name, total, params.Currency)
	if err != nil {
		return nil, err
	}

	return &payment.CreatePaymentResult{
		PaymentURL: codeURL,
		Metadata:   map[string]string{"code_url": codeURL},
	}, nil
}

func (p *Provider) QueryOrder(ctx context.Context, orderID string) (*payment.OrderStatus, error) {
	txn, err := p.client.QueryTransaction(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &payment.OrderStatus{
		OrderID:         orderID,
		ProviderOrderID: txn.TransactionID,
		Paid:            txn.TradeState == "SUCCESS",
		Status:          txn.TradeState,
	}, nil
}

func (p *Provider) CloseOrder(ctx context.Context, orderID string) (bool, error) {
	if err := p.client.CloseTransaction(ctx, orderID); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) CreateCustomerPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", payment.ErrNotSupported
}

// notification is the signed outer envelope of a v3 webhook; the payload
// sits AEAD-encrypted in resource.
type notification struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		Nonce          string `json:"nonce"`
		AssociatedData string `json:"associated_data"`
		OriginalType   string `json:"original_type"`
	} `json:"resource"`
}

type refundResource struct {
	OutTradeNo   string `json:"out_trade_no"`
	RefundID     string `json:"refund_id"`
	OutRefundNo  string `json:"out_refund_no"`
	RefundStatus string `json:"refund_status"`
}

// HandleWebhook verifies the platform signature, decrypts the resource and
// feeds the reconciliation engine. Unknown event types are acknowledged.
func (p *Provider) HandleWebhook(ctx context.Context, req payment.WebhookRequest) payment.WebhookResult {
	err := p.client.Verifier().VerifyWebhook(ctx,
		req.Header(HeaderTimestamp),
		req.Header(HeaderNonce),
		req.Header(HeaderSerial),
		req.Header(HeaderSignature),
		req.Body,
	)
	if err != nil {
		log.Printf("[wechat] webhook verification failed: %v", err)
		return payment.WebhookResult{Success: false}
	}

	var n notification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		log.Printf("[wechat] unparseable notification: %v", err)
		return payment.WebhookResult{Success: false}
	}

	res := payment.WebhookResult{EventType: n.EventType, EventID: n.ID}

	plaintext, err := DecryptCiphertext(p.client.apiV3Key,
		n.Resource.AssociatedData, n.Resource.Nonce, n.Resource.Ciphertext)
	if err != nil {
		log.Printf("[wechat] resource decryption failed for %s: %v", n.ID, err)
		return res
	}

	switch n.EventType {
	case "TRANSACTION.SUCCESS":
		res.Success, res.OrderID = p.handleTransactionSuccess(ctx, plaintext)
	case "REFUND.SUCCESS":
		res.Success, res.OrderID = p.handleRefundSuccess(ctx, plaintext)
	default:
		log.Printf("[wechat] ignoring unknown event type %q", n.EventType)
		res.Success = true
	}
	return res
}

func (p *Provider) handleTransactionSuccess(ctx context.Context, plaintext []byte) (bool, string) {
	var txn transactionResource
	if err := json.Unmarshal(plaintext, &txn); err != nil {
		log.Printf("[wechat] transaction resource parse: %v", err)
		return false, ""
	}
	if txn.OutTradeNo == "" {
		log.Printf("[wechat] transaction resource without out_trade_no")
		return false, ""
	}
	if txn.TradeState != "" && txn.TradeState != "SUCCESS" {
		// Success notifications carry SUCCESS; anything else is not a grant.
		log.Printf("[wechat] ignoring trade state %q for %s", txn.TradeState, txn.OutTradeNo)
		return true, txn.OutTradeNo
	}

	ev := payment.PaymentEvent{
		Kind:            payment.EventCheckoutCompleted,
		Provider:        models.ProviderWechat,
		OrderID:         txn.OutTradeNo,
		ProviderOrderID: txn.TransactionID,
		RawMetadata:     json.RawMessage(plaintext),
	}
	if err := p.sink.Apply(ctx, ev); err != nil {
		log.Printf("[wechat] transaction reconcile: %v", err)
		return false, txn.OutTradeNo
	}
	return true, txn.OutTradeNo
}

func (p *Provider) handleRefundSuccess(ctx context.Context, plaintext []byte) (bool, string) {
	var ref refundResource
	if err := json.Unmarshal(plaintext, &ref); err != nil {
		log.Printf("[wechat] refund resource parse: %v", err)
		return false, ""
	}
	if ref.OutTradeNo == "" {
		log.Printf("[wechat] refund resource without out_trade_no")
		return false, ""
	}
	ev := payment.PaymentEvent{
		Kind:        payment.EventRefunded,
		Provider:    models.ProviderWechat,
		OrderID:     ref.OutTradeNo,
		RawMetadata: json.RawMessage(plaintext),
	}
	if err := p.sink.Apply(ctx, ev); err != nil {
		log.Printf("[wechat] refund reconcile: %v", err)
		return false, ref.OutTradeNo
	}
	return true, ref.OutTradeNo
}
