package http

import (
	"github.com/gofiber/fiber/v2"
)

// SetupRoutes configures all HTTP routes
func SetupRoutes(app *fiber.App, svc Services) {
	handler := NewHandler(svc)

	// Health check
	app.Get("/health", handler.HealthCheck)

	// API v1 routes
	api := app.Group("/api/v1")
	{
		// same check under the prefix peers use as ML_SERVICE_URL
		api.Get("/health", handler.HealthCheck)
		api.Get("/stats", handler.GetStats)

		// Ride sessions
		api.Post("/sessions", handler.StartSession)
		api.Get("/sessions/:id", handler.GetSession)
		api.Post("/sessions/:id/readings", handler.IngestReadings)
		api.Delete("/sessions/:id", handler.StopSession)

		// Detections classified on the device
		api.Post("/detections", handler.RecordDetection)

		// Aggregated reports; stream is registered before :id
		api.Get("/reports", handler.ListReports)
		api.Get("/reports/stream", handler.StreamReports)
		api.Get("/reports/:id", handler.GetReport)

		// Server-side heuristic, usable as another instance's remote classifier
		api.Post("/classify", handler.Classify)

		// Hook for an external scheduler
		api.Post("/maintenance/retention", handler.RunRetention)
	}
}

// ErrorHandler renders every error as {error, message}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
