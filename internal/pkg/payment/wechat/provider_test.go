package wechat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Gndys/PayHub/internal/pkg/payment"
)

type recordingSink struct {
	events []payment.PaymentEvent
	err    error
}

func (s *recordingSink) Apply(_ context.Context, ev payment.PaymentEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

// signedNotification builds a platform-signed, AEAD-encrypted webhook request.
func signedNotification(t *testing.T, c *Client, eventType string, resource []byte) payment.WebhookRequest {
	t.Helper()
	key := genKey(t)
	c.verifier = NewVerifier(&key.PublicKey, "PUB_KEY_ID_1", nil, true)

	n := map[string]interface{}{
		"id":            "evt_1",
		"event_type":    eventType,
		"resource_type": "encrypt-resource",
		"resource": map[string]string{
			"algorithm":       "AEAD_AES_256_GCM",
			"ciphertext":      encrypt(t, c.apiV3Key, "transaction", "nonce1234567", resource),
			"nonce":           "nonce1234567",
			"associated_data": "transaction",
		},
	}
	body, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	sig := signWebhook(t, key, "1700000000", "whnonce", body)
	return payment.WebhookRequest{
		Body: body,
		Headers: map[string]string{
			HeaderTimestamp: "1700000000",
			HeaderNonce:     "whnonce",
			HeaderSerial:    "PUB_KEY_ID_1",
			HeaderSignature: sig,
		},
	}
}

func testProvider(sink payment.Sink) (*Provider, *Client) {
	c := &Client{MchID: "190000", AppID: "wx1", SerialNo: "MCHSER", apiV3Key: testAPIV3Key}
	return NewProvider(c, nil, sink), c
}

func TestHandleWebhookTransactionSuccess(t *testing.T) {
	sink := &recordingSink{}
	p, c := testProvider(sink)

	resource := []byte(`{"out_trade_no":"ord_77","transaction_id":"4200009999","trade_state":"SUCCESS"}`)
	res := p.HandleWebhook(context.Background(), signedNotification(t, c, "TRANSACTION.SUCCESS", resource))
	if !res.Success || res.OrderID != "ord_77" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sink.events) != 1 {
		t.Fatalf("want 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Kind != payment.EventCheckoutCompleted || ev.OrderID != "ord_77" || ev.ProviderOrderID != "4200009999" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHandleWebhookRefundSuccess(t *testing.T) {
	sink := &recordingSink{}
	p, c := testProvider(sink)

	resource := []byte(`{"out_trade_no":"ord_77","refund_id":"50000001","refund_status":"SUCCESS"}`)
	res := p.HandleWebhook(context.Background(), signedNotification(t, c, "REFUND.SUCCESS", resource))
	if !res.Success || res.OrderID != "ord_77" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != payment.EventRefunded {
		t.Fatalf("refund not mapped: %+v", sink.events)
	}
}

func TestHandleWebhookUnknownEventAcknowledged(t *testing.T) {
	sink := &recordingSink{}
	p, c := testProvider(sink)

	res := p.HandleWebhook(context.Background(), signedNotification(t, c, "COUPON.USE", []byte(`{"x":1}`)))
	if !res.Success {
		t.Fatalf("unknown event must be acknowledged")
	}
	if len(sink.events) != 0 {
		t.Fatalf("unknown event must not reach the engine")
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	sink := &recordingSink{}
	p, c := testProvider(sink)

	req := signedNotification(t, c, "TRANSACTION.SUCCESS", []byte(`{"out_trade_no":"ord_77","trade_state":"SUCCESS"}`))
	req.Headers[HeaderSignature] = "AAAA" + req.Headers[HeaderSignature][4:]
	res := p.HandleWebhook(context.Background(), req)
	if res.Success {
		t.Fatalf("tampered signature must fail the delivery")
	}
	if len(sink.events) != 0 {
		t.Fatalf("no mutation may happen on verification failure")
	}
}

func TestSignMessageCanonicalString(t *testing.T) {
	key := genKey(t)
	c := &Client{MchID: "190000", SerialNo: "MCHSER", privateKey: key}

	sig, err := c.signMessage("POST", "/v3/pay/transactions/native", "1700000000", "NONCE", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// The outbound canonical string is method\npath\ntimestamp\nnonce\nbody\n.
	message := "POST\n/v3/pay/transactions/native\n1700000000\nNONCE\n{\"a\":1}\n"
	if err := verifySHA256WithRSA(&key.PublicKey, []byte(message), sig); err != nil {
		t.Fatalf("signature does not match canonical string: %v", err)
	}
}
