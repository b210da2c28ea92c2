package router

import (
	"github.com/Gndys/PayHub/app/controllers"
	"github.com/Gndys/PayHub/internal/pkg/constants"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Initialize payment controllers with repository, engine and providers
	controllers.InitializePaymentControllers()

	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Webhook endpoints stay outside the /api group: no rate limiter may
	// drop a processor delivery, and the handlers need the raw body bytes.
	app.Post(constants.PaymentWebhookRoute, controllers.HandlePaymentWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
