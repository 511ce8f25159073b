package handlers

import (
	"github.com/anjiri1684/detailer_payouts/middleware"
	"github.com/anjiri1684/detailer_payouts/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type BookingHandler struct {
	bookings *services.BookingService
}

func NewBookingHandler(bookings *services.BookingService) *BookingHandler {
	return &BookingHandler{bookings: bookings}
}

// MarkBookingAsComplete lets the assigned detailer close a confirmed booking,
// which records the payout owed for it.
func (h *BookingHandler) MarkBookingAsComplete(c *fiber.Ctx) error {
	detailerID, err := middleware.UserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}
	bookingID, err := uuid.Parse(c.Params("bookingId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking ID"})
	}

	result, err := h.bookings.Complete(c.UserContext(), bookingID, detailerID)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"message":  "Booking marked as complete",
		"transfer": result,
	})
}
