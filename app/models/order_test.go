package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{OrderStatusPending, OrderStatusPaid, true},
		{OrderStatusPending, OrderStatusFailed, true},
		{OrderStatusPending, OrderStatusCanceled, true},
		{OrderStatusPaid, OrderStatusRefunded, true},
		{OrderStatusPaid, OrderStatusPending, false},
		{OrderStatusPaid, OrderStatusCanceled, false},
		{OrderStatusFailed, OrderStatusPaid, false},
		{OrderStatusCanceled, OrderStatusPaid, false},
		{OrderStatusRefunded, OrderStatusPaid, false},
		// Redelivered events re-apply the current status.
		{OrderStatusPaid, OrderStatusPaid, true},
		{OrderStatusPending, OrderStatusPending, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderTransitionRejectsIllegalEdge(t *testing.T) {
	o := &Order{ID: "ord_1", Status: OrderStatusFailed}
	if err := o.Transition(OrderStatusPaid); err == nil {
		t.Fatalf("expected failed -> paid to be rejected")
	}
	if o.Status != OrderStatusFailed {
		t.Fatalf("status mutated on rejected transition: %q", o.Status)
	}
}

func TestOrderMetaRoundTrip(t *testing.T) {
	m := NewOrderMeta()
	m.ProviderTxnID = "4200001234"
	m.Extra = map[string]string{"trade_state": "SUCCESS"}

	raw, err := EncodeOrderMeta(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeOrderMeta(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 1 || got.ProviderTxnID != "4200001234" {
		t.Fatalf("unexpected meta after round trip: %+v", got)
	}
}

func TestSubscriptionActiveAt(t *testing.T) {
	now := time.Now()
	s := &Subscription{Status: SubscriptionStatusActive, PeriodEnd: now.Add(24 * time.Hour)}
	if !s.ActiveAt(now) {
		t.Fatalf("expected subscription with future period end to be active")
	}
	s.PeriodEnd = now.Add(-time.Minute)
	if s.ActiveAt(now) {
		t.Fatalf("expected lapsed subscription to be inactive")
	}
	s.PeriodEnd = now.Add(24 * time.Hour)
	s.Status = SubscriptionStatusExpired
	if s.ActiveAt(now) {
		t.Fatalf("expected expired subscription to be inactive")
	}
}
