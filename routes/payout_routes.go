package routes

import (
	"github.com/anjiri1684/detailer_payouts/handlers"
	"github.com/anjiri1684/detailer_payouts/middleware"
	"github.com/anjiri1684/detailer_payouts/websocket"
	"github.com/gofiber/fiber/v2"
)

func PayoutRoutes(app *fiber.App, secret string, h *handlers.PayoutHandler, hub *websocket.Hub) {
	api := app.Group("/api/v1")

	admin := api.Group("/admin", middleware.Protected(secret), middleware.AdminRequired())
	admin.Get("/ws", websocket.Upgrade, hub.Handler())

	payouts := admin.Group("/payouts")
	payouts.Get("/transfers", h.ListTransfers)
	payouts.Post("/transfers", h.CreateTransfer)
	payouts.Post("/transfers/:id/dispatch", h.DispatchTransfer)
	payouts.Post("/transfers/:id/requeue", h.RequeueTransfer)
	payouts.Get("/batches", h.ListBatches)
	payouts.Get("/runs", h.ListRuns)
	payouts.Put("/fee-overrides/:detailerId", h.UpsertFeeOverride)
	payouts.Get("/report", h.TransferReport)

	jobs := payouts.Group("/jobs")
	jobs.Post("/weekly", h.RunWeeklyJob)
	jobs.Post("/retry", h.RunRetryJob)
	jobs.Post("/reconcile", h.RunReconcileJob)
}
