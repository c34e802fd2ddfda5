// Package postgres opens the relational store and migrates every table the
// service owns.
package postgres

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wholesync/src/infrastructure/job"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
	"wholesync/src/storage/postgres/draftctrl"
	"wholesync/src/storage/postgres/pricereferencectrl"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
	SSLMode  string
}

func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.DB, c.Port, sslmode)
}

// Open connects to PostgreSQL. Driver errors are translated so unique
// violations surface as gorm.ErrDuplicatedKey.
func Open(cfg Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table, including the job ledger.
func Migrate(ctx context.Context, db *gorm.DB) error {
	models := []interface{}{
		&accountctrl.Account{},
		&accountctrl.Token{},
		&catalogctrl.Item{},
		&catalogctrl.Variation{},
		&draftctrl.Draft{},
		&pricereferencectrl.PriceReference{},
	}
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}

	jobRepo, err := job.NewPostgresJobRepository(db)
	if err != nil {
		return err
	}
	return jobRepo.Migrate(ctx)
}
