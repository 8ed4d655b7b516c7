package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"winedispense-backend/config"
	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(GormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Info(context.Background(), "running database migrations")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.EnableCheckConstraints {
		if err := applyConstraintDDL(db); err != nil {
			log.Error(context.Background(), "failed to apply check constraints, continuing without them", err)
		}
	}

	log.Info(context.Background(), "database initialization complete")
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// GormLogLevel maps a config string onto gorm's log levels.
func GormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// constraintDDL backs the stock and volume invariants at the storage level.
// Each statement is idempotent so restarts can re-run it.
var constraintDDL = []struct {
	table, name, check string
}{
	{"warehouse_bottles", "warehouse_quantity_non_negative", "quantity >= 0"},
	{"warehouse_bottles", "warehouse_deployed_non_negative", "current_in_terminals >= 0"},
	{"terminal_slots", "slot_volume_non_negative", "remaining_volume >= 0"},
	{"terminal_slots", "slot_number_range", "slot_number >= 0 AND slot_number < 8"},
	{"terminal_slots", "slot_empty_has_no_volume", "bottle_id IS NOT NULL OR remaining_volume = 0"},
	{"order_items", "order_item_volume_positive", "volume > 0"},
}

func applyConstraintDDL(db *gorm.DB) error {
	for _, c := range constraintDDL {
		ddl := fmt.Sprintf(
			"DO $$ BEGIN "+
				"IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s') THEN "+
				"ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s); "+
				"END IF; END $$;",
			c.name, c.table, c.name, c.check)
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", c.name, err)
		}
	}
	return nil
}
