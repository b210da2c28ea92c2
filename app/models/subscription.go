package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

const (
	PaymentTypeRecurring = "recurring"
	PaymentTypeOneTime   = "one_time"
)

// Subscription grants a user access to a plan for a period window. Renewals
// of the same provider subscription advance the existing row in place; a new
// row is only created on first confirmation for a plan.
type Subscription struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	UserID                 uint           `gorm:"not null;index:idx_subscriptions_user_plan,priority:1" json:"user_id"`
	PlanID                 string         `gorm:"type:varchar(64);not null;index:idx_subscriptions_user_plan,priority:2" json:"plan_id"`
	Status                 string         `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	PaymentType            string         `gorm:"type:varchar(16);not null;default:'one_time'" json:"payment_type"`
	Provider               string         `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID *string        `gorm:"type:varchar(191);default:null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     *string        `gorm:"type:varchar(191);default:null" json:"provider_customer_id,omitempty"`
	PeriodStart            time.Time      `gorm:"type:timestamp;not null" json:"period_start"`
	PeriodEnd              time.Time      `gorm:"type:timestamp;not null" json:"period_end"`
	CancelAtPeriodEnd      bool           `gorm:"default:false" json:"cancel_at_period_end"`
	Metadata               datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt              time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionMeta is the versioned metadata document on a subscription row.
type SubscriptionMeta struct {
	Version     int               `json:"version"`
	IsLifetime  bool              `json:"is_lifetime"`
	ProviderIDs map[string]string `json:"provider_ids,omitempty"`
	RawFragment json.RawMessage   `json:"raw_fragment,omitempty"`
}

const subscriptionMetaVersion = 1

func EncodeSubscriptionMeta(m SubscriptionMeta) (datatypes.JSON, error) {
	if m.Version == 0 {
		m.Version = subscriptionMetaVersion
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func DecodeSubscriptionMeta(raw datatypes.JSON) (SubscriptionMeta, error) {
	if len(raw) == 0 {
		return SubscriptionMeta{Version: subscriptionMetaVersion}, nil
	}
	var m SubscriptionMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return SubscriptionMeta{}, err
	}
	return m, nil
}

// ActiveAt reports whether the subscription grants access at the given time.
// Lifetime grants are ordinary rows with a far-future period end, so the
// comparison stays uniform.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status != SubscriptionStatusExpired && now.Before(s.PeriodEnd)
}
