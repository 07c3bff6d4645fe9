package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"numerusx/internal/models"
)

var DB *gorm.DB

// DatabaseDSN builds the postgres DSN from DB_* env. DATABASE_DSN wins when set.
func DatabaseDSN() string {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		return dsn
	}
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
		sslmode,
	)
}

// OpenDB connects to dsn with the pool settings the ledger needs.
// Driver errors are translated so duplicate keys surface as gorm.ErrDuplicatedKey.
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(envInt("DB_MAX_IDLE_CONNS", 10))
	sqlDB.SetMaxOpenConns(envInt("DB_MAX_OPEN_CONNS", 50))
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// InitDB opens the database from env into DB and, unless AUTO_MIGRATE=false,
// creates the ledger tables.
func InitDB() error {
	db, err := OpenDB(DatabaseDSN())
	if err != nil {
		return err
	}
	DB = db

	if os.Getenv("AUTO_MIGRATE") == "false" {
		return nil
	}
	if err := DB.AutoMigrate(&models.LedgerEntry{}, &models.LedgerResolution{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("Database connected")
	return nil
}
