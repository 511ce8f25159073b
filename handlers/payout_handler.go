package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/anjiri1684/detailer_payouts/jobs"
	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// reportRowLimit caps the CSV export. Larger ranges must be split.
var reportRowLimit = 10000

// PayoutHandler serves the operator endpoints under /admin/payouts.
type PayoutHandler struct {
	transfers *services.TransferService
	fees      *services.FeeConfigLoader
	jobs      *jobs.PayoutJobs
	location  *time.Location
}

func NewPayoutHandler(transfers *services.TransferService, fees *services.FeeConfigLoader, payoutJobs *jobs.PayoutJobs, location *time.Location) *PayoutHandler {
	if location == nil {
		location = time.UTC
	}
	return &PayoutHandler{
		transfers: transfers,
		fees:      fees,
		jobs:      payoutJobs,
		location:  location,
	}
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrRecordNotFound),
		errors.Is(err, services.ErrBatchNotFound),
		errors.Is(err, services.ErrBookingNotFound),
		errors.Is(err, services.ErrDetailerNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrBookingNotCompleted),
		errors.Is(err, services.ErrBookingNotConfirmed),
		errors.Is(err, services.ErrBookingNotFinished),
		errors.Is(err, services.ErrNotApplicable),
		errors.Is(err, services.ErrNoPayoutDestination),
		errors.Is(err, services.ErrNothingToPay):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrBookingNotOwned):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrUnknownPricingModel),
		errors.Is(err, services.ErrNegativeAmount),
		errors.Is(err, services.ErrInvalidFeePercent):
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func minorUnits(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

func queryLimit(c *fiber.Ctx, fallback int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}

func (h *PayoutHandler) CreateTransfer(c *fiber.Ctx) error {
	type CreateTransferRequest struct {
		BookingID string `json:"booking_id" validate:"required,uuid"`
	}

	var req CreateTransferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	result, err := h.transfers.CreateForCompletedBooking(c.UserContext(), uuid.MustParse(req.BookingID))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}

	status := fiber.StatusOK
	if result.Outcome == services.OutcomeCreated {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(result)
}

func (h *PayoutHandler) DispatchTransfer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid transfer ID"})
	}

	rec, err := h.transfers.DispatchRecord(c.UserContext(), id)
	if err != nil {
		status := errorStatus(err)
		// The record moved to retry_pending; the processor rejected or timed out.
		if status == fiber.StatusInternalServerError && rec != nil && rec.Status == models.TransferRetryPending {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error(), "record": rec})
	}
	return c.JSON(rec)
}

func (h *PayoutHandler) RequeueTransfer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid transfer ID"})
	}

	rec, err := h.transfers.Requeue(c.UserContext(), id)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(rec)
}

func (h *PayoutHandler) ListTransfers(c *fiber.Ctx) error {
	filter := services.TransferFilter{
		Status: models.TransferStatus(c.Query("status")),
		Limit:  queryLimit(c, 100),
	}
	if raw := c.Query("detailer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid detailer_id"})
		}
		filter.DetailerID = &id
	}
	if raw := c.Query("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid batch_id"})
		}
		filter.BatchID = &id
	}

	recs, err := h.transfers.List(c.UserContext(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not list transfers"})
	}
	return c.JSON(recs)
}

func (h *PayoutHandler) ListBatches(c *fiber.Ctx) error {
	batches, err := h.transfers.ListBatches(c.UserContext(), models.BatchStatus(c.Query("status")), queryLimit(c, 100))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not list batches"})
	}
	return c.JSON(batches)
}

func (h *PayoutHandler) RunWeeklyJob(c *fiber.Ctx) error {
	var (
		run *models.PayoutJobRun
		err error
	)
	if raw := c.Query("week_of"); raw != "" {
		day, perr := time.ParseInLocation(dateLayout, raw, h.location)
		if perr != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid week_of format. Use YYYY-MM-DD."})
		}
		run, err = h.jobs.RunWeeklyFor(c.UserContext(), jobs.TriggerManual, day)
	} else {
		run, err = h.jobs.RunWeekly(c.UserContext(), jobs.TriggerManual)
	}
	return jobResponse(c, run, err)
}

func (h *PayoutHandler) RunRetryJob(c *fiber.Ctx) error {
	run, err := h.jobs.RunRetries(c.UserContext(), jobs.TriggerManual)
	return jobResponse(c, run, err)
}

func (h *PayoutHandler) RunReconcileJob(c *fiber.Ctx) error {
	run, err := h.jobs.RunReconcile(c.UserContext(), jobs.TriggerManual)
	return jobResponse(c, run, err)
}

func jobResponse(c *fiber.Ctx, run *models.PayoutJobRun, err error) error {
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error(), "run": run})
	}
	return c.JSON(run)
}

func (h *PayoutHandler) ListRuns(c *fiber.Ctx) error {
	runs, err := h.jobs.RecentRuns(c.UserContext(), c.Query("job"), queryLimit(c, 20))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not list job runs"})
	}
	return c.JSON(runs)
}

func (h *PayoutHandler) UpsertFeeOverride(c *fiber.Ctx) error {
	type FeeOverrideRequest struct {
		PricingModel string           `json:"pricing_model" validate:"omitempty,oneof=percentage subscription"`
		Percentage   *decimal.Decimal `json:"percentage"`
	}

	detailerID, err := uuid.Parse(c.Params("detailerId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid detailer ID"})
	}

	var req FeeOverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if req.Percentage == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "percentage is required"})
	}

	override := models.DetailerFeeOverride{
		DetailerID:   detailerID,
		PricingModel: req.PricingModel,
		Percentage:   *req.Percentage,
	}
	if err := h.fees.SaveOverride(c.UserContext(), &override); err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(override)
}

// TransferReport exports transfer records as CSV. Fees come from each
// record, so totals reflect what was actually charged at the time.
func (h *PayoutHandler) TransferReport(c *fiber.Ctx) error {
	now := time.Now().In(h.location)
	startDate, err := time.ParseInLocation(dateLayout, c.Query("start_date", now.AddDate(0, -1, 0).Format(dateLayout)), h.location)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid start_date format. Use YYYY-MM-DD."})
	}
	endDate, err := time.ParseInLocation(dateLayout, c.Query("end_date", now.Format(dateLayout)), h.location)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid end_date format. Use YYYY-MM-DD."})
	}
	endExclusive := endDate.AddDate(0, 0, 1)

	recs, err := h.transfers.List(c.UserContext(), services.TransferFilter{
		Status: models.TransferStatus(c.Query("status")),
		From:   &startDate,
		To:     &endExclusive,
		Limit:  reportRowLimit + 1,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not load transfers"})
	}
	if len(recs) > reportRowLimit {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": fmt.Sprintf("Report exceeds %d transfers. Narrow the date range.", reportRowLimit),
		})
	}

	b := new(bytes.Buffer)
	w := csv.NewWriter(b)

	headers := []string{"Transfer ID", "Date", "Booking ID", "Detailer ID", "Pricing Model", "Gross", "Platform Fee", "Payout", "Currency", "Status", "Processor Transfer ID", "Retries"}
	if err := w.Write(headers); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to write CSV header"})
	}

	type currencyTotals struct{ gross, fee, payout int64 }
	totals := make(map[string]*currencyTotals)
	for _, r := range recs {
		processorID := ""
		if r.ProcessorTransferID != nil {
			processorID = *r.ProcessorTransferID
		}
		row := []string{
			r.ID.String(),
			r.CreatedAt.In(h.location).Format("2006-01-02 15:04"),
			r.BookingID.String(),
			r.DetailerID.String(),
			r.PricingModel,
			minorUnits(r.GrossAmount),
			minorUnits(r.PlatformFee),
			minorUnits(r.Amount),
			r.Currency,
			string(r.Status),
			processorID,
			strconv.Itoa(r.RetryCount),
		}
		if err := w.Write(row); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to write CSV row"})
		}
		t, ok := totals[r.Currency]
		if !ok {
			t = &currencyTotals{}
			totals[r.Currency] = t
		}
		t.gross += r.GrossAmount
		t.fee += r.PlatformFee
		t.payout += r.Amount
	}

	// One TOTAL row per currency; amounts in different currencies never add up.
	currencies := make([]string, 0, len(totals))
	for currency := range totals {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	for _, currency := range currencies {
		t := totals[currency]
		row := make([]string, len(headers))
		row[0], row[5], row[6], row[7], row[8] = "TOTAL", minorUnits(t.gross), minorUnits(t.fee), minorUnits(t.payout), currency
		if err := w.Write(row); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to write CSV totals"})
		}
	}
	w.Flush()

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"transfers_%s_to_%s.csv\"", startDate.Format(dateLayout), endDate.Format(dateLayout)))

	return c.Send(b.Bytes())
}
