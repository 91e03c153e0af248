package api

import (
	"github.com/gofiber/fiber/v2"
)

// SetupRoutes configures all routes
func SetupRoutes(app *fiber.App, handlers *Handlers) {
	app.Get("/health", handlers.Health)

	loginLimit := RateLimitMiddleware(handlers.config.RateLimit, handlers.log)
	redeemLimit := ActivationThrottle(handlers.config.RedeemRateLimit, handlers.config.RedeemRateBurst, handlers.log)

	// Admin
	app.Post("/admin/login", loginLimit, handlers.Login)

	admin := app.Group("/admin", AuthMiddleware(handlers.authService))
	admin.Post("/logout", handlers.Logout)
	admin.Get("/stats", handlers.Stats)

	admin.Get("/plans", handlers.ListPlans)
	admin.Post("/plans", handlers.CreatePlan)
	admin.Get("/plans/:id", handlers.GetPlan)
	admin.Put("/plans/:id", handlers.UpdatePlan)
	admin.Delete("/plans/:id", handlers.DeletePlan)

	admin.Get("/templates", handlers.ListTemplates)
	admin.Post("/templates", handlers.CreateTemplate)
	admin.Get("/templates/plan/:planId", handlers.GetTemplateByPlan)
	admin.Get("/templates/:id", handlers.GetTemplate)
	admin.Put("/templates/:id", handlers.UpdateTemplate)
	admin.Delete("/templates/:id", handlers.DeleteTemplate)
	admin.Post("/templates/:id/generate", handlers.GenerateFromTemplate)

	admin.Get("/orders", handlers.ListOrders)
	admin.Post("/orders", handlers.CreateOrder)
	admin.Post("/orders/check-expiration", handlers.CheckOrderExpiration)
	admin.Get("/orders/:id", handlers.GetOrder)
	admin.Post("/orders/:id/activate", handlers.ActivateOrder)
	admin.Delete("/orders/:id", handlers.DeleteOrder)

	admin.Get("/redeems", handlers.ListRedeems)
	admin.Post("/redeems", handlers.CreateRedeem)
	admin.Get("/redeems/:code", handlers.GetRedeem)
	admin.Put("/redeems/:code", handlers.UpdateRedeem)
	admin.Delete("/redeems/:code", handlers.DeleteRedeem)

	admin.Get("/users", handlers.ListUsers)
	admin.Get("/users/:id", handlers.GetUser)
	admin.Put("/users/:id/status", handlers.SetUserStatus)
	admin.Delete("/users/:id", handlers.DeleteUser)
	admin.Get("/users/:id/orders", handlers.UserOrders)
	admin.Get("/users/:id/redeems", handlers.UserRedeems)

	admin.Post("/api-keys/lookup", handlers.LookupAPIKey)
	admin.Get("/api-keys/:id", handlers.GetAPIKey)

	admin.Get("/data/export", handlers.ExportData)
	admin.Get("/data/preview", handlers.PreviewExport)
	admin.Post("/data/import", handlers.ImportData)

	// Client
	app.Post("/client/register", loginLimit, handlers.ClientRegister)
	app.Post("/client/login", loginLimit, handlers.ClientLogin)

	client := app.Group("/client", ClientAuthMiddleware(handlers.clientAuth))
	client.Post("/logout", handlers.ClientLogout)
	client.Post("/refresh", handlers.ClientRefresh)
	client.Get("/profile", handlers.ClientProfile)
	client.Get("/plans", handlers.ClientPlans)
	client.Get("/orders", handlers.ClientOrders)
	client.Post("/orders", handlers.ClientCreateOrder)
	client.Get("/orders/:id", handlers.ClientOrder)
	client.Get("/redeems", handlers.ClientRedeems)
	client.Post("/redeems/activate", redeemLimit, handlers.ClientActivateRedeem)
}
