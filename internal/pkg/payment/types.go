package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a verified webhook notification into the canonical
// vocabulary the reconciliation engine consumes. Provider adapters translate
// processor-native event types into these; the engine never sees native shapes.
type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventRenewed           EventKind = "renewed"
	EventUpdated           EventKind = "updated"
	EventCanceled          EventKind = "canceled"
	EventExpired           EventKind = "expired"
	EventRefunded          EventKind = "refunded"
)

// PaymentEvent is the canonical envelope produced by provider adapters.
// Optional fields are zero when the processor payload does not carry them.
type PaymentEvent struct {
	Kind                   EventKind
	Provider               string
	OrderID                string
	UserID                 uint
	PlanID                 string
	ProviderOrderID        string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPlanRef        string
	Status                 string
	// PeriodStart/PeriodEnd are processor-authoritative boundaries when set.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	RawMetadata json.RawMessage
}

// CreatePaymentParams carries everything needed to start a checkout. The
// caller persists the pending Order (keyed by OrderID) before calling.
type CreatePaymentParams struct {
	OrderID  string
	UserID   uint
	PlanID   string
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string
}

// CreatePaymentResult is the provider's answer to a checkout creation.
type CreatePaymentResult struct {
	PaymentURL      string
	ProviderOrderID string
	Metadata        map[string]string
}

// WebhookRequest hands the raw, unparsed body plus the signature headers to
// an adapter. Re-serializing the body before verification would break the
// HMAC/RSA checks, so the transport layer must pass bytes through untouched.
type WebhookRequest struct {
	Body    []byte
	Headers map[string]string
}

// Header returns a header value. Adapters look up the names the processor
// documents; the transport may have stored them in canonical MIME casing,
// so both spellings are tried.
func (r WebhookRequest) Header(key string) string {
	if v, ok := r.Headers[key]; ok {
		return v
	}
	return r.Headers[http.CanonicalHeaderKey(key)]
}

// WebhookResult reports the outcome of one webhook delivery. Success=false
// tells the transport to answer with the processor's retry signal.
type WebhookResult struct {
	Success bool
	OrderID string
	// EventType is the processor-native type string, kept for audit rows.
	EventType string
	// EventID is the processor event id used for deduplication, if any.
	EventID string
}

// OrderStatus is the normalized answer of a QueryOrder poll.
type OrderStatus struct {
	OrderID         string
	ProviderOrderID string
	Paid            bool
	Status          string
}

var (
	// ErrNotSupported is returned by capability-gated operations on providers
	// that do not implement them.
	ErrNotSupported = errors.New("operation not supported by this payment provider")
	// ErrVerification marks a signature, MAC, or AEAD failure. Fatal for the
	// delivery; the processor's redelivery handles the retry.
	ErrVerification = errors.New("webhook verification failed")
	// ErrMissingConfig marks an absent API key, secret, or key material.
	ErrMissingConfig = errors.New("payment provider configuration missing")
)
