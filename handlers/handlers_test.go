package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anjiri1684/detailer_payouts/database"
	"github.com/anjiri1684/detailer_payouts/jobs"
	"github.com/anjiri1684/detailer_payouts/middleware"
	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/anjiri1684/detailer_payouts/services"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "handler-test-secret"

type apiFixture struct {
	t         *testing.T
	db        *gorm.DB
	app       *fiber.App
	transfers *services.TransferService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
		NowFunc:                                  func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := services.NewTransferStore(db)
	directory := services.NewDirectory(db)
	fees := services.NewFeeConfigLoader(db, services.FeeConfig{
		PercentageFeeDefault:   decimal.NewFromInt(15),
		SubscriptionFeeDefault: decimal.NewFromInt(3),
		MaxRetries:             3,
	})
	executor := services.NewTransferExecutor(payments.NewStubProcessor(), 5*time.Second)
	transfers := services.NewTransferService(store, directory, fees, executor, "usd")
	payoutJobs := jobs.NewPayoutJobs(db,
		services.NewWeeklyPayoutService(store, directory, executor, nil, time.UTC),
		services.NewRetryService(store, directory, fees, executor, 50),
		services.NewReconcileService(store, fees, executor, time.Hour),
		nil,
	)

	payouts := NewPayoutHandler(transfers, fees, payoutJobs, time.UTC)
	bookings := NewBookingHandler(services.NewBookingService(db, transfers))

	app := fiber.New()
	api := app.Group("/api/v1", middleware.Protected(testSecret))
	api.Post("/bookings/:bookingId/complete", middleware.DetailerRequired(), bookings.MarkBookingAsComplete)

	admin := api.Group("/admin/payouts", middleware.AdminRequired())
	admin.Post("/transfers", payouts.CreateTransfer)
	admin.Get("/transfers", payouts.ListTransfers)
	admin.Post("/transfers/:id/dispatch", payouts.DispatchTransfer)
	admin.Post("/transfers/:id/requeue", payouts.RequeueTransfer)
	admin.Get("/batches", payouts.ListBatches)
	admin.Post("/jobs/weekly", payouts.RunWeeklyJob)
	admin.Post("/jobs/retry", payouts.RunRetryJob)
	admin.Post("/jobs/reconcile", payouts.RunReconcileJob)
	admin.Get("/runs", payouts.ListRuns)
	admin.Put("/fee-overrides/:detailerId", payouts.UpsertFeeOverride)
	admin.Get("/report", payouts.TransferReport)

	return &apiFixture{t: t, db: db, app: app, transfers: transfers}
}

func (f *apiFixture) token(role string, userID uuid.UUID) string {
	f.t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *apiFixture) do(method, path, token string, body interface{}) *http.Response {
	f.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.app.Test(req, -1)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (f *apiFixture) admin() string {
	return f.token(middleware.RoleAdmin, uuid.New())
}

func (f *apiFixture) detailer(withDestination bool) models.Detailer {
	f.t.Helper()

	d := models.Detailer{
		FullName:     "Test Detailer",
		Email:        uuid.NewString() + "@example.com",
		PricingModel: models.PricingModelPercentage,
	}
	if withDestination {
		acct := "acct_" + uuid.NewString()[:8]
		d.PayoutAccountID = &acct
	}
	if err := f.db.Create(&d).Error; err != nil {
		f.t.Fatalf("create detailer: %v", err)
	}
	return d
}

func (f *apiFixture) booking(detailerID uuid.UUID, status string) models.Booking {
	f.t.Helper()

	scheduled := time.Now().Add(-2 * time.Hour)
	b := models.Booking{
		CustomerID:  uuid.New(),
		DetailerID:  detailerID,
		Status:      status,
		TotalPrice:  10000,
		Currency:    "usd",
		ScheduledAt: &scheduled,
	}
	if err := f.db.Create(&b).Error; err != nil {
		f.t.Fatalf("create booking: %v", err)
	}
	return b
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestMarkBookingAsComplete(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	b := f.booking(d.ID, models.BookingStatusConfirmed)
	path := "/api/v1/bookings/" + b.ID.String() + "/complete"

	resp := f.do("POST", path, f.token(middleware.RoleDetailer, d.ID), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Transfer services.CreateResult `json:"transfer"`
	}
	decode(t, resp, &body)
	if body.Transfer.Outcome != services.OutcomeCreated {
		t.Fatalf("outcome = %s, want created", body.Transfer.Outcome)
	}
	if body.Transfer.Record.Amount != 8500 || body.Transfer.Record.PlatformFee != 1500 {
		t.Errorf("payout/fee = %d/%d, want 8500/1500", body.Transfer.Record.Amount, body.Transfer.Record.PlatformFee)
	}

	var reloaded models.Booking
	f.db.First(&reloaded, "id = ?", b.ID)
	if reloaded.Status != models.BookingStatusCompleted || reloaded.CompletedAt == nil {
		t.Errorf("booking = %s completed_at=%v, want completed with timestamp", reloaded.Status, reloaded.CompletedAt)
	}

	resp = f.do("POST", path, f.token(middleware.RoleDetailer, d.ID), nil)
	body.Transfer = services.CreateResult{}
	decode(t, resp, &body)
	if body.Transfer.Outcome != services.OutcomeUpdated {
		t.Errorf("second completion outcome = %s, want updated for a pending record", body.Transfer.Outcome)
	}

	if err := f.db.Model(&models.TransferRecord{}).Where("booking_id = ?", b.ID).
		Update("status", models.TransferSucceeded).Error; err != nil {
		t.Fatalf("mark record succeeded: %v", err)
	}
	resp = f.do("POST", path, f.token(middleware.RoleDetailer, d.ID), nil)
	body.Transfer = services.CreateResult{}
	decode(t, resp, &body)
	if body.Transfer.Outcome != services.OutcomeUnchanged {
		t.Errorf("completion after payout outcome = %s, want unchanged", body.Transfer.Outcome)
	}
	if body.Transfer.Record == nil || body.Transfer.Record.Status != models.TransferSucceeded {
		t.Errorf("record = %+v, want succeeded record", body.Transfer.Record)
	}
}

func TestMarkBookingAsCompleteErrors(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	confirmed := f.booking(d.ID, models.BookingStatusConfirmed)
	cancelled := f.booking(d.ID, models.BookingStatusCancelled)

	tests := []struct {
		name      string
		bookingID string
		userID    uuid.UUID
		want      int
	}{
		{"malformed id", "not-a-uuid", d.ID, fiber.StatusBadRequest},
		{"unknown booking", uuid.NewString(), d.ID, fiber.StatusNotFound},
		{"other detailer", confirmed.ID.String(), uuid.New(), fiber.StatusForbidden},
		{"cancelled booking", cancelled.ID.String(), d.ID, fiber.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do("POST", "/api/v1/bookings/"+tt.bookingID+"/complete", f.token(middleware.RoleDetailer, tt.userID), nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCreateTransfer(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	completed := f.booking(d.ID, models.BookingStatusCompleted)
	confirmed := f.booking(d.ID, models.BookingStatusConfirmed)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing booking id", map[string]string{}, fiber.StatusBadRequest},
		{"malformed booking id", map[string]string{"booking_id": "abc"}, fiber.StatusBadRequest},
		{"unknown booking", map[string]string{"booking_id": uuid.NewString()}, fiber.StatusNotFound},
		{"booking not completed", map[string]string{"booking_id": confirmed.ID.String()}, fiber.StatusConflict},
		{"completed booking", map[string]string{"booking_id": completed.ID.String()}, fiber.StatusCreated},
		{"repeat is unchanged", map[string]string{"booking_id": completed.ID.String()}, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do("POST", "/api/v1/admin/payouts/transfers", f.admin(), tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAdminRoutesRejectDetailers(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)

	resp := f.do("GET", "/api/v1/admin/payouts/transfers", f.token(middleware.RoleDetailer, d.ID), nil)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestDispatchAndRequeueTransfer(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	b := f.booking(d.ID, models.BookingStatusCompleted)

	res, err := f.transfers.CreateForCompletedBooking(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("CreateForCompletedBooking: %v", err)
	}
	id := res.Record.ID.String()

	resp := f.do("POST", "/api/v1/admin/payouts/transfers/"+id+"/requeue", f.admin(), nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("requeue pending: status = %d, want 409", resp.StatusCode)
	}

	resp = f.do("POST", "/api/v1/admin/payouts/transfers/"+id+"/dispatch", f.admin(), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("dispatch: status = %d, want 200", resp.StatusCode)
	}
	var rec models.TransferRecord
	decode(t, resp, &rec)
	if rec.Status != models.TransferProcessing || rec.ProcessorTransferID == nil {
		t.Errorf("record = %s transfer=%v, want processing with processor id", rec.Status, rec.ProcessorTransferID)
	}

	resp = f.do("POST", "/api/v1/admin/payouts/transfers/"+id+"/dispatch", f.admin(), nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("second dispatch: status = %d, want 409", resp.StatusCode)
	}

	resp = f.do("POST", "/api/v1/admin/payouts/transfers/"+uuid.NewString()+"/dispatch", f.admin(), nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("unknown record: status = %d, want 404", resp.StatusCode)
	}
}

func TestListTransfersFiltersByStatus(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	for i := 0; i < 2; i++ {
		b := f.booking(d.ID, models.BookingStatusCompleted)
		if _, err := f.transfers.CreateForCompletedBooking(context.Background(), b.ID); err != nil {
			t.Fatalf("CreateForCompletedBooking: %v", err)
		}
	}

	var pending []models.TransferRecord
	decode(t, f.do("GET", "/api/v1/admin/payouts/transfers?status=pending", f.admin(), nil), &pending)
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}

	var failed []models.TransferRecord
	decode(t, f.do("GET", "/api/v1/admin/payouts/transfers?status=failed", f.admin(), nil), &failed)
	if len(failed) != 0 {
		t.Errorf("failed = %d, want 0", len(failed))
	}

	resp := f.do("GET", "/api/v1/admin/payouts/transfers?detailer_id=nope", f.admin(), nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad detailer_id: status = %d, want 400", resp.StatusCode)
	}
}

func TestRunJobsRecordsRuns(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do("POST", "/api/v1/admin/payouts/jobs/weekly?week_of=15-05-2024", f.admin(), nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad week_of: status = %d, want 400", resp.StatusCode)
	}

	for _, path := range []string{"/jobs/weekly?week_of=2024-05-08", "/jobs/retry", "/jobs/reconcile"} {
		resp := f.do("POST", "/api/v1/admin/payouts"+path, f.admin(), nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, resp.StatusCode)
		}
		var run models.PayoutJobRun
		decode(t, resp, &run)
		if !run.Success || run.Trigger != jobs.TriggerManual {
			t.Errorf("%s: run = %+v, want successful manual run", path, run)
		}
	}

	var runs []models.PayoutJobRun
	decode(t, f.do("GET", "/api/v1/admin/payouts/runs", f.admin(), nil), &runs)
	if len(runs) != 3 {
		t.Errorf("runs = %d, want 3", len(runs))
	}
	decode(t, f.do("GET", "/api/v1/admin/payouts/runs?job="+models.JobReconcile, f.admin(), nil), &runs)
	if len(runs) != 1 || runs[0].Job != models.JobReconcile {
		t.Errorf("reconcile runs = %+v, want one", runs)
	}
}

func TestUpsertFeeOverride(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	path := "/api/v1/admin/payouts/fee-overrides/" + d.ID.String()

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"bad detailer id", "/api/v1/admin/payouts/fee-overrides/xyz", map[string]interface{}{"percentage": 10}, fiber.StatusBadRequest},
		{"missing percentage", path, map[string]interface{}{}, fiber.StatusBadRequest},
		{"null percentage", path, map[string]interface{}{"percentage": nil, "pricing_model": "percentage"}, fiber.StatusBadRequest},
		{"unknown pricing model", path, map[string]interface{}{"percentage": 10, "pricing_model": "hourly"}, fiber.StatusBadRequest},
		{"above 100", path, map[string]interface{}{"percentage": 101}, fiber.StatusUnprocessableEntity},
		{"valid", path, map[string]interface{}{"percentage": "12.5"}, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do("PUT", tt.path, f.admin(), tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	var saved models.DetailerFeeOverride
	if err := f.db.First(&saved, "detailer_id = ?", d.ID).Error; err != nil {
		t.Fatalf("load override: %v", err)
	}
	if !saved.Percentage.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("percentage = %s, want 12.5", saved.Percentage)
	}
}

func TestTransferReport(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	for i := 0; i < 2; i++ {
		b := f.booking(d.ID, models.BookingStatusCompleted)
		if _, err := f.transfers.CreateForCompletedBooking(context.Background(), b.ID); err != nil {
			t.Fatalf("CreateForCompletedBooking: %v", err)
		}
	}

	resp := f.do("GET", "/api/v1/admin/payouts/report?start_date=bad", f.admin(), nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad start_date: status = %d, want 400", resp.StatusCode)
	}

	today := time.Now().UTC().Format(dateLayout)
	resp = f.do("GET", "/api/v1/admin/payouts/report?start_date="+today+"&end_date="+today, f.admin(), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}

	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 2 records + totals", len(rows))
	}
	if got := rows[1][7]; got != "85.00" {
		t.Errorf("payout column = %s, want 85.00", got)
	}
	totals := rows[3]
	if totals[0] != "TOTAL" || totals[5] != "200.00" || totals[6] != "30.00" || totals[7] != "170.00" {
		t.Errorf("totals = %v, want gross 200.00 fee 30.00 payout 170.00", totals)
	}
}

func TestTransferReportTotalsPerCurrency(t *testing.T) {
	f := newAPIFixture(t)
	d := f.detailer(true)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		b := f.booking(d.ID, models.BookingStatusCompleted)
		res, err := f.transfers.CreateForCompletedBooking(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("CreateForCompletedBooking: %v", err)
		}
		ids = append(ids, res.Record.ID)
	}
	f.db.Model(&models.TransferRecord{}).Where("id = ?", ids[0]).Update("currency", "eur")

	today := time.Now().UTC().Format(dateLayout)
	path := "/api/v1/admin/payouts/report?start_date=" + today + "&end_date=" + today
	resp := f.do("GET", path, f.admin(), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want header + 3 records + 2 totals", len(rows))
	}
	eur, usd := rows[4], rows[5]
	if eur[0] != "TOTAL" || eur[8] != "eur" || eur[7] != "85.00" {
		t.Errorf("eur totals = %v, want payout 85.00", eur)
	}
	if usd[0] != "TOTAL" || usd[8] != "usd" || usd[5] != "200.00" || usd[7] != "170.00" {
		t.Errorf("usd totals = %v, want gross 200.00 payout 170.00", usd)
	}

	limit := reportRowLimit
	reportRowLimit = 2
	defer func() { reportRowLimit = limit }()
	resp = f.do("GET", path, f.admin(), nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Errorf("oversized report: status = %d, want 422", resp.StatusCode)
	}
}
