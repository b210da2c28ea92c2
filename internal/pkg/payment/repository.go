package payment

import (
	"time"

	"github.com/Gndys/PayHub/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the reconciliation engine,
// the customer resolver and the controllers.
type Repository interface {
	// InTransaction runs fn against a repository bound to one transaction.
	// Order update and subscription upsert of a single event commit together.
	InTransaction(fn func(Repository) error) error

	GetOrder(orderID string) (*models.Order, error)
	SaveOrder(order *models.Order) error

	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	GetSubscriptionForUserPlan(userID uint, planID string) (*models.Subscription, error)
	UpsertSubscription(sub *models.Subscription) error
	SaveSubscription(sub *models.Subscription) error

	GetPlan(planID string) (*models.Plan, error)
	FindActivePlanMapping(provider, providerPlanRef string) (*models.PlanMapping, error)
	FindPlanRefForPlan(provider, planID string) (string, error)

	GetUser(userID uint) (*models.User, error)
	SaveUser(user *models.User) error

	CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(id uint, signatureValid bool, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) InTransaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetOrder(orderID string) (*models.Order, error) {
	var o models.Order
	if err := r.db.Where("id = ?", orderID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *gormRepository) SaveOrder(order *models.Order) error {
	return r.db.Save(order).Error
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.db.
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) GetSubscriptionForUserPlan(userID uint, planID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.db.
		Where("user_id = ? AND plan_id = ? AND status <> ?", userID, planID, models.SubscriptionStatusExpired).
		Order("period_end DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if sub.ProviderSubscriptionID == nil {
		return r.db.Save(sub).Error
	}
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"plan_id",
			"status",
			"payment_type",
			"provider_customer_id",
			"period_start",
			"period_end",
			"cancel_at_period_end",
			"metadata",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, *sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) GetPlan(planID string) (*models.Plan, error) {
	var p models.Plan
	if err := r.db.Where("plan_id = ? AND is_active = ?", planID, true).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPlanRef string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) FindPlanRefForPlan(provider, planID string) (string, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND plan_id = ? AND is_active = ?", provider, planID, true).
		First(&m).Error
	if err != nil {
		return "", err
	}
	return m.ProviderPlanRef, nil
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) SaveUser(user *models.User) error {
	return r.db.Save(user).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, signatureValid bool, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"signature_valid":  signatureValid,
		"processing_error": processingError,
	}
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
