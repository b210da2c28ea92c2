package payment

import (
	"context"
	"fmt"
	"strings"
)

// Capabilities flags what a provider can do beyond checkout + webhook.
// Resolved once at construction; dispatch over providers stays closed.
type Capabilities struct {
	QueryOrder     bool
	CloseOrder     bool
	CustomerPortal bool
}

// Provider is the uniform contract every payment processor adapter
// implements. CreatePayment and HandleWebhook are mandatory; the remaining
// operations are capability-gated and return ErrNotSupported when absent.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	CreatePayment(ctx context.Context, params CreatePaymentParams) (*CreatePaymentResult, error)
	HandleWebhook(ctx context.Context, req WebhookRequest) WebhookResult

	QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error)
	// CloseOrder cancels an unpaid provider order. Returns false without
	// error where the processor has no such call.
	CloseOrder(ctx context.Context, orderID string) (bool, error)
	CreateCustomerPortal(ctx context.Context, customerID, returnURL string) (string, error)
}

// Sink consumes canonical payment events. The reconciliation engine is the
// only production implementation; tests substitute fakes.
type Sink interface {
	Apply(ctx context.Context, ev PaymentEvent) error
}

// Registry holds the closed set of configured providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from already-constructed providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown or disabled payment provider %q", name)
	}
	return p, nil
}

// Names lists the configured provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
