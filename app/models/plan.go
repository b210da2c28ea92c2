package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifetimeMonthsThreshold marks a plan duration as effectively unbounded.
// Such plans get a 100-year period instead of calendar arithmetic on a
// nominally infinite month count.
const LifetimeMonthsThreshold = 1200

// Plan is a locally configured purchasable plan.
type Plan struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	PlanID         string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"plan_id"`
	Name           string          `gorm:"type:varchar(150);not null" json:"name"`
	Amount         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency       string          `gorm:"type:varchar(8);not null;default:'USD'" json:"currency"`
	DurationMonths int             `gorm:"not null" json:"duration_months"`
	PaymentType    string          `gorm:"type:varchar(16);not null;default:'one_time'" json:"payment_type"`
	IsActive       bool            `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLifetime reports whether the plan grants unbounded access.
func (p *Plan) IsLifetime() bool {
	return p.DurationMonths >= LifetimeMonthsThreshold
}

// PlanMapping maps a provider-side price/product reference to a local plan.
// Used at checkout creation (local plan -> provider product) and by the
// updated transition (provider product -> local plan).
type PlanMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_plan_mappings_ref,unique,priority:1" json:"provider"`
	ProviderPlanRef string    `gorm:"type:varchar(191);not null;index:ux_plan_mappings_ref,unique,priority:2" json:"provider_plan_ref"`
	PlanID          string    `gorm:"type:varchar(64);not null;index" json:"plan_id"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
