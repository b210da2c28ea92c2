package router

import (
	"github.com/Gndys/PayHub/app/controllers"
	"github.com/Gndys/PayHub/internal/pkg/constants"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	pay := api.Group("/payment")
	pay.Post("/checkout", controllers.HandleCreateCheckout)
	pay.Get("/orders/:id", controllers.HandleOrderStatus)
	pay.Post("/orders/:id/close", controllers.HandleOrderClose)
	pay.Post("/portal", controllers.HandleCustomerPortal)
	pay.Get("/stats/webhooks", controllers.HandleWebhookStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
