package app

import (
	"log"

	config "github.com/anjiri1684/detailer_payouts/configs"
	"github.com/anjiri1684/detailer_payouts/database"
	"github.com/anjiri1684/detailer_payouts/jobs"
	"github.com/anjiri1684/detailer_payouts/payments"
	"github.com/anjiri1684/detailer_payouts/services"
	"github.com/anjiri1684/detailer_payouts/websocket"
	"gorm.io/gorm"
)

// Container holds the wired payout services shared by the API server and
// the operator CLI.
type Container struct {
	Config     *config.AppConfig
	DB         *gorm.DB
	Hub        *websocket.Hub
	Fees       *services.FeeConfigLoader
	Transfers  *services.TransferService
	Bookings   *services.BookingService
	Statements *services.StatementService
	Jobs       *jobs.PayoutJobs
}

// New connects to the database, runs migrations and wires every service.
func New(cfg *config.AppConfig) (*Container, error) {
	db, err := database.ConnectDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return Wire(cfg, db, newProcessor(cfg))
}

// Wire builds the services on an existing connection and processor.
func Wire(cfg *config.AppConfig, db *gorm.DB, processor payments.Processor) (*Container, error) {
	store := services.NewTransferStore(db)
	directory := services.NewDirectory(db)
	fees := services.NewFeeConfigLoader(db, services.FeeConfig{
		PercentageFeeDefault:   cfg.PercentageFeeDefault,
		SubscriptionFeeDefault: cfg.SubscriptionFeeDefault,
		MaxRetries:             cfg.MaxRetries,
	})
	executor := services.NewTransferExecutor(processor, cfg.ProcessorTimeout)
	transfers := services.NewTransferService(store, directory, fees, executor, cfg.PayoutCurrency)

	c := &Container{
		Config:    cfg,
		DB:        db,
		Hub:       websocket.NewHub(),
		Fees:      fees,
		Transfers: transfers,
		Bookings:  services.NewBookingService(db, transfers),
	}

	var weekly *services.WeeklyPayoutService
	if cfg.CloudinaryURL != "" {
		uploader, err := services.NewCloudinaryUploader(cfg.CloudinaryURL)
		if err != nil {
			return nil, err
		}
		c.Statements = services.NewStatementService(store, directory, services.ChromePDFRenderer{}, uploader)
		weekly = services.NewWeeklyPayoutService(store, directory, executor, c.Statements, cfg.PayoutLocation)
		log.Println("✅ Payout statements enabled")
	} else {
		weekly = services.NewWeeklyPayoutService(store, directory, executor, nil, cfg.PayoutLocation)
		log.Println("Warning: CLOUDINARY_URL not set, payout statements disabled")
	}

	c.Jobs = jobs.NewPayoutJobs(db,
		weekly,
		services.NewRetryService(store, directory, fees, executor, cfg.RetryBatchSize),
		services.NewReconcileService(store, fees, executor, cfg.OrphanClaimAfter),
		c.Hub,
	)
	return c, nil
}

// WaitStatements blocks until background statement generation finishes.
func (c *Container) WaitStatements() {
	if c.Statements != nil {
		c.Statements.Wait()
	}
}

func newProcessor(cfg *config.AppConfig) payments.Processor {
	if cfg.StripeSecretKey == "" {
		log.Println("⚠️ STRIPE_SECRET_KEY not set, using the stub processor")
		return payments.NewStubProcessor()
	}
	return payments.NewStripeProcessor(cfg.StripeSecretKey)
}
