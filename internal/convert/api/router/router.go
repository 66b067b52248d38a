package router

import (
	"media_convert_service/internal/convert/api/handlers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 注册轉檔相關的路由
func RegisterRoutes(app *fiber.App, convertHandler *handlers.ConvertHandler) {
	app.Post("/convert", convertHandler.SubmitConversion)
	app.Get("/progress", convertHandler.GetProgress)
	app.Get("/job/:id", convertHandler.GetJob)
	app.Post("/convert/:id/cancel", convertHandler.CancelJob)
	app.Get("/formats", convertHandler.GetFormats)

	// websocket 升級檢查
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/progress/:id", websocket.New(convertHandler.ProgressWS()))
}
