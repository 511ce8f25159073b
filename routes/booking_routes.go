package routes

import (
	"github.com/anjiri1684/detailer_payouts/handlers"
	"github.com/anjiri1684/detailer_payouts/middleware"
	"github.com/gofiber/fiber/v2"
)

func BookingRoutes(app *fiber.App, secret string, h *handlers.BookingHandler) {
	api := app.Group("/api/v1")

	detailerBooking := api.Group("/bookings", middleware.Protected(secret), middleware.DetailerRequired())
	detailerBooking.Post("/:bookingId/complete", h.MarkBookingAsComplete)
}
