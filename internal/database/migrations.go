package database

import (
	"fmt"

	"github.com/Nikunj-TUM/tyke/internal/models"

	"gorm.io/gorm"
)

// Migrate creates or updates the instance and message tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.WhatsAppInstance{},
		&models.WhatsAppMessage{},
	); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}

	// Discovery lists active instances oldest first.
	if !db.Migrator().HasIndex(&models.WhatsAppInstance{}, "idx_whatsapp_instances_active_created") {
		indexQuery := `CREATE INDEX idx_whatsapp_instances_active_created ON whatsapp_instances(is_active, created_at)`
		if err := db.Exec(indexQuery).Error; err != nil {
			return fmt.Errorf("failed to create index on whatsapp_instances: %w", err)
		}
	}

	return nil
}
