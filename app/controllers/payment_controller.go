package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/Gndys/PayHub/app/models"
	"github.com/Gndys/PayHub/internal/pkg/cache"
	"github.com/Gndys/PayHub/internal/pkg/database"
	"github.com/Gndys/PayHub/internal/pkg/payment"
	"github.com/Gndys/PayHub/internal/pkg/payment/alipay"
	"github.com/Gndys/PayHub/internal/pkg/payment/creem"
	"github.com/Gndys/PayHub/internal/pkg/payment/wechat"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	paymentRepo     payment.Repository
	paymentEngine   *payment.Engine
	paymentRegistry *payment.Registry

	validate = validator.New()
)

const paymentRequestTimeout = 15 * time.Second

// Order status answers are cached briefly so browser polling while the user
// sits on the QR code page does not hammer the database or the processor.
const orderStatusCacheTTL = 10 * time.Second

// InitializePaymentControllers wires the repository, the reconciliation
// engine and every provider adapter whose configuration is present. A
// provider with missing credentials is skipped, not fatal.
func InitializePaymentControllers() {
	paymentRepo = payment.NewRepository(database.GetDB())
	paymentEngine = payment.NewEngine(paymentRepo)

	var providers []payment.Provider
	if client, err := alipay.NewClientFromEnv(); err != nil {
		log.Printf("[payment] alipay disabled: %v", err)
	} else {
		providers = append(providers, alipay.NewProvider(client, paymentRepo, paymentEngine))
	}
	if client, err := creem.NewClientFromEnv(); err != nil {
		log.Printf("[payment] creem disabled: %v", err)
	} else {
		providers = append(providers, creem.NewProvider(client, paymentRepo, paymentEngine))
	}
	if client, err := wechat.NewClientFromEnv(); err != nil {
		log.Printf("[payment] wechat disabled: %v", err)
	} else {
		providers = append(providers, wechat.NewProvider(client, paymentRepo, paymentEngine))
	}

	paymentRegistry = payment.NewRegistry(providers...)
	log.Printf("[payment] enabled providers: %v", paymentRegistry.Names())
}

type createCheckoutRequest struct {
	UserID   uint   `json:"user_id" validate:"required"`
	PlanID   string `json:"plan_id" validate:"required"`
	Provider string `json:"provider" validate:"required"`
}

// HandleCreateCheckout creates a pending order and opens a provider checkout
// for it. The order row exists before the provider is called so a webhook
// racing the HTTP response always finds it.
func HandleCreateCheckout(c *fiber.Ctx) error {
	var req createCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "detail": err.Error()})
	}

	prov, err := paymentRegistry.Get(req.Provider)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
	}
	if _, err := paymentRepo.GetUser(req.UserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "user_lookup_failed"})
	}
	plan, err := paymentRepo.GetPlan(req.PlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "plan_lookup_failed"})
	}

	order := &models.Order{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		PlanID:   plan.PlanID,
		Amount:   plan.Amount,
		Currency: plan.Currency,
		Status:   models.OrderStatusPending,
		Provider: prov.Name(),
	}
	if err := paymentRepo.SaveOrder(order); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "order_create_failed"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), paymentRequestTimeout)
	defer cancel()

	result, err := prov.CreatePayment(ctx, payment.CreatePaymentParams{
		OrderID:  order.ID,
		UserID:   order.UserID,
		PlanID:   order.PlanID,
		Amount:   order.Amount,
		Currency: order.Currency,
	})
	if err != nil {
		log.Printf("[payment] checkout creation failed for order %s: %v", order.ID, err)
		if terr := order.Transition(models.OrderStatusFailed); terr == nil {
			_ = paymentRepo.SaveOrder(order)
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "checkout_create_failed"})
	}

	meta := models.NewOrderMeta()
	meta.PaymentURL = result.PaymentURL
	meta.Extra = result.Metadata
	if encoded, merr := models.EncodeOrderMeta(meta); merr == nil {
		order.Metadata = encoded
	}
	if result.ProviderOrderID != "" {
		order.ProviderOrderID = &result.ProviderOrderID
	}
	if err := paymentRepo.SaveOrder(order); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "order_update_failed"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"order_id":    order.ID,
		"provider":    order.Provider,
		"payment_url": result.PaymentURL,
	})
}

func orderStatusCacheKey(orderID string) string {
	return "payment:order:" + orderID + ":status"
}

// HandleOrderStatus answers an order status poll. While the order is still
// pending and the provider supports querying, the provider-side state is
// included so the frontend can detect a finished QR payment early.
func HandleOrderStatus(c *fiber.Ctx) error {
	orderID := c.Params("id")

	cacheKey := orderStatusCacheKey(orderID)
	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(cached)
	}

	order, err := paymentRepo.GetOrder(orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "order_lookup_failed"})
	}

	resp := fiber.Map{
		"order_id": order.ID,
		"status":   order.Status,
		"provider": order.Provider,
		"plan_id":  order.PlanID,
		"amount":   order.Amount,
		"currency": order.Currency,
	}

	if order.Status == models.OrderStatusPending {
		if prov, perr := paymentRegistry.Get(order.Provider); perr == nil && prov.Capabilities().QueryOrder {
			ctx, cancel := context.WithTimeout(context.Background(), paymentRequestTimeout)
			defer cancel()
			if st, qerr := prov.QueryOrder(ctx, order.ID); qerr == nil {
				resp["provider_status"] = st.Status
				resp["provider_paid"] = st.Paid
			} else {
				log.Printf("[payment] provider query failed for order %s: %v", order.ID, qerr)
			}
		}
	}

	if body, merr := json.Marshal(resp); merr == nil {
		_ = cache.Set(cacheKey, string(body), orderStatusCacheTTL)
	}
	return c.JSON(resp)
}

// HandleOrderClose cancels a pending order locally and best-effort closes it
// at the provider. Providers without a close call report provider_closed=false.
func HandleOrderClose(c *fiber.Ctx) error {
	orderID := c.Params("id")

	order, err := paymentRepo.GetOrder(orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "order_lookup_failed"})
	}
	if order.Status != models.OrderStatusPending {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "order_not_pending", "status": order.Status})
	}

	prov, err := paymentRegistry.Get(order.Provider)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "provider_disabled"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), paymentRequestTimeout)
	defer cancel()

	closed, err := prov.CloseOrder(ctx, order.ID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_close_failed"})
	}

	if err := order.Transition(models.OrderStatusCanceled); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "order_not_pending", "status": order.Status})
	}
	if err := paymentRepo.SaveOrder(order); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "order_update_failed"})
	}
	_ = cache.Delete(orderStatusCacheKey(order.ID))

	return c.JSON(fiber.Map{"ok": true, "provider_closed": closed})
}

type customerPortalRequest struct {
	UserID    uint   `json:"user_id" validate:"required"`
	Provider  string `json:"provider" validate:"required"`
	ReturnURL string `json:"return_url"`
}

// HandleCustomerPortal opens a hosted billing portal session for providers
// that have one.
func HandleCustomerPortal(c *fiber.Ctx) error {
	var req customerPortalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "detail": err.Error()})
	}

	prov, err := paymentRegistry.Get(req.Provider)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
	}
	if !prov.Capabilities().CustomerPortal {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "portal_not_supported"})
	}

	user, err := paymentRepo.GetUser(req.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "user_lookup_failed"})
	}
	if user.CreemCustomerID == nil || *user.CreemCustomerID == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_provider_customer"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), paymentRequestTimeout)
	defer cancel()

	url, err := prov.CreateCustomerPortal(ctx, *user.CreemCustomerID, req.ReturnURL)
	if err != nil {
		log.Printf("[payment] portal creation failed for user %d: %v", req.UserID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "portal_create_failed"})
	}

	return c.JSON(fiber.Map{"portal_url": url})
}
