package db

import (
	"fmt"

	"github.com/xChokes/mercado-sub000/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every journal model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Message{},
		&models.Anomaly{},
		&models.Cycle{},
		&models.Agent{},
	}
}

// AutoMigrate creates or updates all journal tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
