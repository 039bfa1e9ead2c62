package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradecore/src/model"
)

// MainDB is the read/write connection for the audit trail and the order
// quarantine. Assigned once by InitMainDB at startup.
var MainDB *gorm.DB

// InitMainDB opens the configured database and runs migrations. Call once
// from main before anything writes audit records.
func InitMainDB() error {
	config := GetConfig()

	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite":
		dialector = sqlite.Open(config.SQLitePath)
	case "postgres":
		dialector = postgres.Open(config.DatabaseURL)
	default:
		return fmt.Errorf("unknown db driver %q", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB from GORM: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	if err := db.AutoMigrate(
		&model.AuditRecord{},
		&model.QuarantinedOrder{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	MainDB = db
	logrus.WithField("driver", config.Driver).Info("[database] MainDB connection established")
	return nil
}
