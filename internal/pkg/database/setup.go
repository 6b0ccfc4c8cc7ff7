package database

import (
	"fmt"
	"log"
	"time"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/env"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// DB is the shared GORM handle initialised by SetupDatabase.
var DB *gorm.DB

// GetDB returns the shared database handle.
func GetDB() *gorm.DB {
	return DB
}

// SetDB replaces the shared handle. Used by tests with an in-memory database.
func SetDB(db *gorm.DB) {
	DB = db
}

// Models lists every table managed by the billing engine.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.BillingSubscription{},
		&models.CreditLedgerEntry{},
		&models.BillingWebhookEvent{},
		&models.BillingWorkflowRun{},
	}
}

// AutoMigrate creates or updates the billing tables on db.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func SetupDatabase() {
	var err error
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			// Maps driver-specific unique violations to gorm.ErrDuplicatedKey.
			TranslateError: true,
		})
		if err == nil {
			// Schema is owned by cmd/migrate in production.
			if env.IsDev() {
				if migrateErr := AutoMigrate(DB); migrateErr != nil {
					log.Printf("AutoMigrate failed: %v", migrateErr)
				}
			}
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
