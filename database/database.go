package database

import (
	"fmt"
	"log"

	"github.com/anjiri1684/detailer_payouts/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func ConnectDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:                              false,
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	log.Println("✅ Database connected successfully")
	return db, nil
}

// Migrate creates the payout tables. Bookings and detailers are owned by the
// marketplace schema but are migrated too so a fresh database is usable.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Detailer{},
		&models.Booking{},
		&models.WeeklyPayoutBatch{},
		&models.TransferRecord{},
		&models.DetailerFeeOverride{},
		&models.PayoutJobRun{},
	)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Println("✅ Database migration successful")
	return nil
}
