package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/Gndys/PayHub/app/models"
	"github.com/Gndys/PayHub/internal/pkg/metrics/counter"
	"github.com/Gndys/PayHub/internal/pkg/payment"
	"github.com/gofiber/fiber/v2"
)

// HandlePaymentWebhook receives one processor delivery. The raw body is
// passed to the adapter untouched because every signature scheme covers the
// exact bytes on the wire. The event row is inserted before processing so a
// redelivery of an already handled event is answered without touching the
// order again.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	prov, err := paymentRegistry.Get(c.Params("provider"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	eventID, eventType := peekEventEnvelope(rawBody)
	if eventID == "" {
		sum := sha256.Sum256(rawBody)
		eventID = hex.EncodeToString(sum[:])
	}

	created, stored, err := paymentRepo.CreateWebhookEventIfNotExists(&models.PaymentWebhookEvent{
		Provider:        prov.Name(),
		ProviderEventID: eventID,
		EventType:       eventType,
		PayloadJSON:     string(rawBody),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		// Already handled successfully; acknowledge without reprocessing.
		return webhookResponse(c, prov.Name(), payment.WebhookResult{Success: true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), paymentRequestTimeout)
	defer cancel()

	res := prov.HandleWebhook(ctx, payment.WebhookRequest{Body: rawBody, Headers: headers})

	_ = counter.AddWebhookDelivery(prov.Name())
	if !res.Success {
		_ = counter.AddWebhookFailure(prov.Name())
	}

	procErr := ""
	if !res.Success {
		procErr = "delivery not processed"
	}
	// Signature failures never reach the adapter's parse step, so a result
	// with an event type means the delivery authenticated.
	if err := paymentRepo.MarkWebhookProcessed(stored.ID, res.EventType != "", procErr); err != nil {
		log.Printf("[payment] webhook audit update failed for %s/%s: %v", prov.Name(), eventID, err)
	}

	return webhookResponse(c, prov.Name(), res)
}

// peekEventEnvelope pulls the processor event identity out of the JSON body
// without trusting it: the id only keys the dedup row, never a state change.
func peekEventEnvelope(body []byte) (string, string) {
	var probe struct {
		ID           string `json:"id"`
		NotifyID     string `json:"notify_id"`
		EventType    string `json:"eventType"`
		EventTypeAlt string `json:"event_type"`
		TradeStatus  string `json:"trade_status"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", ""
	}

	id := probe.ID
	if probe.NotifyID != "" {
		id = probe.NotifyID
	}
	eventType := probe.EventType
	if eventType == "" {
		eventType = probe.EventTypeAlt
	}
	if eventType == "" {
		eventType = probe.TradeStatus
	}
	return id, eventType
}

// HandleWebhookStats reports per-provider delivery and failure totals.
func HandleWebhookStats(c *fiber.Ctx) error {
	deliveries, failures, err := counter.WebhookTotals()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	return c.JSON(fiber.Map{"deliveries": deliveries, "failures": failures})
}

// webhookResponse answers in the shape each processor's retry contract
// expects. Anything except the documented acknowledgement triggers a
// redelivery on the processor side.
func webhookResponse(c *fiber.Ctx, provider string, res payment.WebhookResult) error {
	switch provider {
	case models.ProviderAlipay:
		if res.Success {
			return c.SendString("success")
		}
		return c.Status(fiber.StatusBadRequest).SendString("fail")
	case models.ProviderWechat:
		if res.Success {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    "FAIL",
			"message": "delivery not processed",
		})
	default:
		if res.Success {
			return c.JSON(fiber.Map{"ok": true})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "delivery_not_processed"})
	}
}
