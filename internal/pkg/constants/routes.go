package constants

// Static route constants
const (
	APIRoute            = "/api"
	PaymentWebhookRoute = "/webhook/payment/:provider"
	HealthRoute         = "/health"
)
