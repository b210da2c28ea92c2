package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order statuses. Transitions only move forward, see CanTransition.
const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusFailed   = "failed"
	OrderStatusCanceled = "canceled"
	OrderStatusRefunded = "refunded"
)

// Order is one payment attempt. The internally generated ID is the
// idempotency anchor across provider retries; rows are never deleted.
type Order struct {
	ID              string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID          uint            `gorm:"not null;index" json:"user_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency        string          `gorm:"type:varchar(8);not null" json:"currency"`
	PlanID          string          `gorm:"type:varchar(64);not null;index" json:"plan_id"`
	Status          string          `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Provider        string          `gorm:"type:varchar(20);not null;index:idx_orders_provider_order,priority:1" json:"provider"`
	ProviderOrderID *string         `gorm:"type:varchar(191);default:null;index:idx_orders_provider_order,priority:2" json:"provider_order_id,omitempty"`
	Metadata        datatypes.JSON  `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderMeta is the structured metadata document stored on an order. Version
// lets historical rows stay parseable if the shape evolves.
type OrderMeta struct {
	Version       int               `json:"version"`
	ProviderTxnID string            `json:"provider_txn_id,omitempty"`
	PaymentURL    string            `json:"payment_url,omitempty"`
	RawFragment   json.RawMessage   `json:"raw_fragment,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

const orderMetaVersion = 1

// NewOrderMeta returns an OrderMeta at the current schema version.
func NewOrderMeta() OrderMeta {
	return OrderMeta{Version: orderMetaVersion}
}

// EncodeOrderMeta serializes metadata for the JSON column.
func EncodeOrderMeta(m OrderMeta) (datatypes.JSON, error) {
	if m.Version == 0 {
		m.Version = orderMetaVersion
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// DecodeOrderMeta parses the JSON column back into a structured document.
// An empty column yields a zero document at the current version.
func DecodeOrderMeta(raw datatypes.JSON) (OrderMeta, error) {
	if len(raw) == 0 {
		return NewOrderMeta(), nil
	}
	var m OrderMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return OrderMeta{}, err
	}
	return m, nil
}

// CanTransition reports whether an order status change is legal.
// pending -> {paid|failed|canceled}; paid -> refunded. Writing the current
// status again is allowed so redelivered events stay idempotent.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case OrderStatusPending:
		return to == OrderStatusPaid || to == OrderStatusFailed || to == OrderStatusCanceled
	case OrderStatusPaid:
		return to == OrderStatusRefunded
	default:
		return false
	}
}

// Transition applies a status change in memory after validating it.
func (o *Order) Transition(to string) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("illegal order transition %s -> %s for order %s", o.Status, to, o.ID)
	}
	o.Status = to
	return nil
}
